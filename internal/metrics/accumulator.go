package metrics

import (
	"sync"

	"wgfleet/internal/model"
)

// Accumulator aggregates tunnel counters across telemetry cycles. Observe is
// called by a single writer; Values may be called concurrently.
type Accumulator struct {
	mu         sync.RWMutex
	active     int
	rx         uint64
	tx         uint64
	handshakes map[string]int64
	last       map[string]counters
}

type counters struct {
	rx uint64
	tx uint64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		handshakes: map[string]int64{},
		last:       map[string]counters{},
	}
}

// Observe folds one peer snapshot into the totals. Each peer contributes the
// growth of its engine counters since the previous snapshot; a counter that
// went backwards (interface recreated) contributes its new value. Totals
// therefore never decrease.
func (a *Accumulator) Observe(peers []model.PeerRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.active = len(peers)
	seen := make(map[string]counters, len(peers))
	for _, p := range peers {
		prev := a.last[p.PublicKey]
		a.rx += delta(prev.rx, p.RxBytes)
		a.tx += delta(prev.tx, p.TxBytes)
		seen[p.PublicKey] = counters{rx: p.RxBytes, tx: p.TxBytes}
		a.handshakes[p.PublicKey] = p.LatestHandshake
	}
	a.last = seen
}

// Values returns a copy that is safe to retain and mutate.
func (a *Accumulator) Values() model.MetricsValues {
	a.mu.RLock()
	defer a.mu.RUnlock()

	hs := make(map[string]int64, len(a.handshakes))
	for k, v := range a.handshakes {
		hs[k] = v
	}
	return model.MetricsValues{
		ActiveConnections:   a.active,
		RxBytesTotal:        a.rx,
		TxBytesTotal:        a.tx,
		LastHandshakeByPeer: hs,
	}
}

func delta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}
