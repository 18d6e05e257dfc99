// Package telemetry runs the periodic peer collection loop.
package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"wgfleet/internal/metrics"
	"wgfleet/internal/model"
)

// DefaultInterval is the sleep between collection cycles.
const DefaultInterval = 30 * time.Second

// Source reads peer state from the tunnel engine.
type Source interface {
	Dump(ctx context.Context) ([]model.PeerRecord, error)
	Interfaces(ctx context.Context) ([]string, error)
}

type Options struct {
	Interval time.Duration
	// PeerLogPath, when set, receives every snapshot as CSV rows.
	PeerLogPath string
	// OnCycle is called after each cycle with its error, if any.
	OnCycle func(error)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Collector owns the most recent peer snapshot. Collect is the only writer.
type Collector struct {
	src  Source
	acc  *metrics.Accumulator
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	latest Snapshot
}

// Snapshot is the state published by one completed cycle.
type Snapshot struct {
	Peers   []model.PeerRecord
	Tunnels []string
	Metrics model.MetricsValues
	At      time.Time
}

func New(src Source, acc *metrics.Accumulator, opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		src:  src,
		acc:  acc,
		opts: opts,
		log:  logger.With("component", "telemetry"),
	}
}

// Collect performs one cycle. On a dump failure the previous snapshot and
// the accumulator are left untouched.
func (c *Collector) Collect(ctx context.Context) error {
	err := c.collect(ctx)
	if c.opts.OnCycle != nil {
		c.opts.OnCycle(err)
	}
	return err
}

func (c *Collector) collect(ctx context.Context) error {
	peers, err := c.src.Dump(ctx)
	if err != nil {
		return err
	}
	tunnels, err := c.src.Interfaces(ctx)
	if err != nil {
		c.log.Warn("list interfaces failed", "err", err)
		tunnels = c.Tunnels()
	}
	now := c.opts.Now().UTC()

	c.mu.Lock()
	c.acc.Observe(peers)
	c.latest = Snapshot{Peers: peers, Tunnels: tunnels, Metrics: c.acc.Values(), At: now}
	c.mu.Unlock()

	if c.opts.PeerLogPath != "" && len(peers) > 0 {
		if err := metrics.AppendCSV(c.opts.PeerLogPath, metrics.SamplesAt(now, peers)); err != nil {
			c.log.Warn("append peer log failed", "path", c.opts.PeerLogPath, "err", err)
		}
	}
	c.log.Debug("cycle complete", "peers", len(peers), "tunnels", len(tunnels))
	return nil
}

// Run collects immediately and then every Interval until ctx is done.
// Cycle errors are logged and never end the loop.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("telemetry loop started", "interval", c.opts.Interval)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if err := c.Collect(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("collect peers failed", "err", err)
		}
		select {
		case <-ctx.Done():
			c.log.Info("telemetry loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Latest returns a copy of the most recent completed cycle. Peers, tunnels
// and metrics always come from the same cycle. At is zero before the first
// successful cycle.
func (c *Collector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Peers:   slices.Clone(c.latest.Peers),
		Tunnels: slices.Clone(c.latest.Tunnels),
		Metrics: c.latest.Metrics,
		At:      c.latest.At,
	}
	out.Metrics.LastHandshakeByPeer = maps.Clone(c.latest.Metrics.LastHandshakeByPeer)
	if out.Peers == nil {
		out.Peers = []model.PeerRecord{}
	}
	if out.Tunnels == nil {
		out.Tunnels = []string{}
	}
	if out.Metrics.LastHandshakeByPeer == nil {
		out.Metrics.LastHandshakeByPeer = map[string]int64{}
	}
	return out
}

// Peers returns the latest peers and when they were taken.
func (c *Collector) Peers() ([]model.PeerRecord, time.Time) {
	l := c.Latest()
	return l.Peers, l.At
}

func (c *Collector) Tunnels() []string {
	return c.Latest().Tunnels
}

// Metrics returns the accumulated values as of the latest cycle.
func (c *Collector) Metrics() model.MetricsValues {
	return c.Latest().Metrics
}
