package bus

import "sync/atomic"

// Metrics holds the bus delivery counters.
type Metrics struct {
	published    atomic.Int64
	consumed     atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Published    int64 `json:"published"`
	Consumed     int64 `json:"consumed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

func (m *Metrics) snapshot() Snapshot {
	return Snapshot{
		Published:    m.published.Load(),
		Consumed:     m.consumed.Load(),
		Failed:       m.failed.Load(),
		Retried:      m.retried.Load(),
		DeadLettered: m.deadLettered.Load(),
	}
}
