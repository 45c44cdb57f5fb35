package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"orderflow/internal/orders/saga"
)

func TestFileLogAppendsAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	log, err := OpenFileLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	steps := []saga.Step{
		{OrderID: "X", From: saga.StageNone, To: saga.StageInventoryReservation, Event: "orders.v1.OrderCreationStarted", MessageID: "m1", At: at},
		{OrderID: "X", From: saga.StageInventoryReservation, To: saga.StagePaymentProcessing, Event: "inventory.v1.InventoryReserved", MessageID: "m2", At: at.Add(time.Second)},
	}
	for _, s := range steps {
		if err := log.Append(s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(got))
	}
	if got[1].To != saga.StagePaymentProcessing || got[1].MessageID != "m2" || !got[1].At.Equal(at.Add(time.Second)) {
		t.Fatalf("unexpected step %+v", got[1])
	}
}

func TestFileLogReopenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	for i := 0; i < 2; i++ {
		log, err := OpenFileLog(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := log.Append(saga.Step{OrderID: "X"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		_ = log.Close()
	}

	got, err := ReadFile(path)
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 steps across reopen, got %d err=%v", len(got), err)
	}
}

func TestFileLogAppendAfterClose(t *testing.T) {
	log, err := OpenFileLog(filepath.Join(t.TempDir(), "saga.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = log.Close()
	if err := log.Append(saga.Step{OrderID: "X"}); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestReadFileRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.log")
	if err := os.WriteFile(path, []byte("{\"order_id\":\"X\"}\nnot-json\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFile(path); err == nil {
		t.Fatalf("expected decode error")
	}
}
