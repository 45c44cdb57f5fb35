package observability

import (
	"sync"
	"time"
)

// Snapshot is the JSON document served on /metrics.
type Snapshot struct {
	StartedAt time.Time         `json:"started_at"`
	UptimeSec int64             `json:"uptime_sec"`
	RPC       RPCSnapshot       `json:"rpc"`
	Saga      SagaSnapshot      `json:"saga"`
	Outbox    OutboxSnapshot    `json:"outbox"`
	Shutdown  *ShutdownSnapshot `json:"shutdown,omitempty"`
}

// RPCSnapshot covers inbound gRPC calls and the time spent waiting on the rate limiter.
type RPCSnapshot struct {
	Calls           int64                     `json:"calls"`
	Errors          int64                     `json:"errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Methods         map[string]MethodSnapshot `json:"methods"`
}

type MethodSnapshot struct {
	Count        int64   `json:"count"`
	Errors       int64   `json:"errors"`
	InFlight     int64   `json:"in_flight"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
}

// SagaSnapshot counts consumed saga events. A dropped event matched no transition.
type SagaSnapshot struct {
	Applied int64                  `json:"applied"`
	Dropped int64                  `json:"dropped"`
	ByEvent map[string]EventCounts `json:"by_event"`
}

type EventCounts struct {
	Applied int64 `json:"applied"`
	Dropped int64 `json:"dropped"`
}

// OutboxSnapshot accumulates dispatcher passes. Failed counts rows moved to the dead-letter
// state; Skipped counts dead rows seen again.
type OutboxSnapshot struct {
	Passes        int64     `json:"passes"`
	PassErrors    int64     `json:"pass_errors"`
	Published     int64     `json:"published"`
	Retried       int64     `json:"retried"`
	Failed        int64     `json:"failed"`
	Skipped       int64     `json:"skipped"`
	Held          int64     `json:"held"`
	LastPassAt    time.Time `json:"last_pass_at,omitempty"`
	LastPassError string    `json:"last_pass_error,omitempty"`
}

type ShutdownSnapshot struct {
	At               time.Time `json:"at"`
	InFlightRequests int64     `json:"in_flight_requests"`
}

// OutboxPass is the per-pass tally reported by the dispatcher.
type OutboxPass struct {
	Published, Retried, Failed, Skipped, Held int
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	mu            sync.Mutex
	start         time.Time
	methods       map[string]*methodStats
	limiterWaits  int64
	limiterWaited time.Duration
	saga          map[string]*EventCounts
	outbox        OutboxSnapshot
	shutdown      *ShutdownSnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now().UTC(),
		methods: make(map[string]*methodStats),
		saga:    make(map[string]*EventCounts),
	}
}

// CallSpan measures one RPC from Start to End.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.method(method).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, method: method, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	m := s.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.method(s.method)
	stats.inFlight--
	stats.count++
	if err != nil {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.limiterWaits++
	m.limiterWaited += d
	m.mu.Unlock()
}

// RecordSagaEvent counts one consumed saga event.
func (m *Metrics) RecordSagaEvent(event string, applied bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counts, ok := m.saga[event]
	if !ok {
		counts = &EventCounts{}
		m.saga[event] = counts
	}
	if applied {
		counts.Applied++
	} else {
		counts.Dropped++
	}
}

// RecordOutboxPass adds one dispatcher pass.
func (m *Metrics) RecordOutboxPass(p OutboxPass, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox.Passes++
	m.outbox.LastPassError = ""
	if err != nil {
		m.outbox.PassErrors++
		m.outbox.LastPassError = err.Error()
	}
	m.outbox.Published += int64(p.Published)
	m.outbox.Retried += int64(p.Retried)
	m.outbox.Failed += int64(p.Failed)
	m.outbox.Skipped += int64(p.Skipped)
	m.outbox.Held += int64(p.Held)
	m.outbox.LastPassAt = time.Now().UTC()
}

// MarkShutdown records how many RPCs were still running when shutdown began.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shutdown = &ShutdownSnapshot{At: time.Now().UTC(), InFlightRequests: inflight}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		StartedAt: m.start,
		UptimeSec: int64(time.Since(m.start).Seconds()),
		RPC: RPCSnapshot{
			RateLimitWaits:  m.limiterWaits,
			RateLimitWaitMs: m.limiterWaited.Milliseconds(),
			Methods:         make(map[string]MethodSnapshot, len(m.methods)),
		},
		Saga:   SagaSnapshot{ByEvent: make(map[string]EventCounts, len(m.saga))},
		Outbox: m.outbox,
	}
	for name, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.RPC.Methods[name] = MethodSnapshot{
			Count:        stats.count,
			Errors:       stats.errors,
			InFlight:     stats.inFlight,
			AvgLatencyMs: avg,
			MaxLatencyMs: float64(stats.maxLatency.Milliseconds()),
		}
		snap.RPC.Calls += stats.count
		snap.RPC.Errors += stats.errors
		snap.RPC.InFlight += stats.inFlight
	}
	for event, counts := range m.saga {
		snap.Saga.ByEvent[event] = *counts
		snap.Saga.Applied += counts.Applied
		snap.Saga.Dropped += counts.Dropped
	}
	if m.shutdown != nil {
		s := *m.shutdown
		snap.Shutdown = &s
	}
	return snap
}

func (m *Metrics) method(name string) *methodStats {
	stats, ok := m.methods[name]
	if !ok {
		stats = &methodStats{}
		m.methods[name] = stats
	}
	return stats
}
