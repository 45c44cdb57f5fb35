package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot. ?section=rpc|saga|outbox narrows the document.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()

		var body any = snap
		switch section := r.URL.Query().Get("section"); section {
		case "":
		case "rpc":
			body = snap.RPC
		case "saga":
			body = snap.Saga
		case "outbox":
			body = snap.Outbox
		default:
			http.Error(w, "unknown metrics section "+section, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(body)
	})
}
