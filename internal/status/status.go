// Package status assembles read-only fleet snapshots.
package status

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"wgfleet/internal/model"
	"wgfleet/internal/provision"
	"wgfleet/internal/telemetry"
)

// PeerSource exposes the latest completed telemetry cycle.
type PeerSource interface {
	Latest() telemetry.Snapshot
}

type Aggregator struct {
	registry *provision.Registry
	peers    PeerSource
	// OnSnapshot, when set, receives the unit lists of every snapshot.
	OnSnapshot func(map[model.BackendKind][]model.ManagedUnit)
	log        *slog.Logger
	now        func() time.Time
}

func NewAggregator(registry *provision.Registry, peers PeerSource, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		registry: registry,
		peers:    peers,
		log:      logger.With("component", "status"),
		now:      time.Now,
	}
}

// Snapshot lists every configured backend concurrently. A backend whose
// listing fails contributes an empty list and a diagnostic; Snapshot itself
// never fails.
func (a *Aggregator) Snapshot(ctx context.Context) model.SystemStatus {
	out := model.SystemStatus{
		Units:       map[model.BackendKind][]model.ManagedUnit{},
		Diagnostics: map[model.BackendKind]string{},
		Peers:       []model.PeerRecord{},
		Tunnels:     []string{},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.registry.All() {
		g.Go(func() error {
			units := []model.ManagedUnit{}
			var diag string
			for u := range provision.Units(gctx, p, provision.Filter{}, func(err error) { diag = err.Error() }) {
				units = append(units, u)
			}
			if diag != "" {
				a.log.Warn("backend listing failed", "backend", p.Kind(), "err", diag)
			}

			mu.Lock()
			defer mu.Unlock()
			out.Units[p.Kind()] = units
			if diag != "" {
				out.Diagnostics[p.Kind()] = diag
			}
			return nil
		})
	}
	_ = g.Wait()

	if a.peers != nil {
		l := a.peers.Latest()
		out.Peers, out.PeersAt, out.Tunnels, out.Metrics = l.Peers, l.At, l.Tunnels, l.Metrics
	}
	if out.Metrics.LastHandshakeByPeer == nil {
		out.Metrics.LastHandshakeByPeer = map[string]int64{}
	}
	out.CollectedAt = a.now().UTC()

	if a.OnSnapshot != nil {
		a.OnSnapshot(out.Units)
	}
	return out
}
