package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/metrics"
	"wgfleet/internal/model"
	"wgfleet/internal/provision"
	"wgfleet/internal/provision/provisiontest"
	"wgfleet/internal/telemetry"
)

type stubPeers struct {
	peers []model.PeerRecord
	at    time.Time
	acc   *metrics.Accumulator
}

func (s stubPeers) Latest() telemetry.Snapshot {
	return telemetry.Snapshot{Peers: s.peers, Tunnels: []string{"wg0"}, Metrics: s.acc.Values(), At: s.at}
}

func TestSnapshotCombinesBackendsAndPeers(t *testing.T) {
	docker := provisiontest.New(model.BackendDocker,
		model.ManagedUnit{Backend: model.BackendDocker, ID: "c1", Name: "edge", State: model.StateRunning})
	aws := provisiontest.New(model.BackendAWS,
		model.ManagedUnit{Backend: model.BackendAWS, ID: "i-1", Name: "vm", State: model.StatePending})

	peers := []model.PeerRecord{{PublicKey: "k", RxBytes: 7}}
	acc := metrics.NewAccumulator()
	acc.Observe(peers)
	at := time.Unix(1700000000, 0)

	agg := NewAggregator(provision.NewRegistry(docker, aws), stubPeers{peers: peers, at: at, acc: acc}, nil)
	var seen map[model.BackendKind][]model.ManagedUnit
	agg.OnSnapshot = func(u map[model.BackendKind][]model.ManagedUnit) { seen = u }

	s := agg.Snapshot(context.Background())

	require.Len(t, s.Units[model.BackendDocker], 1)
	require.Len(t, s.Units[model.BackendAWS], 1)
	assert.Empty(t, s.Diagnostics)
	assert.Equal(t, peers, s.Peers)
	assert.True(t, s.PeersAt.Equal(at))
	assert.Equal(t, []string{"wg0"}, s.Tunnels)
	assert.EqualValues(t, 7, s.Metrics.RxBytesTotal)
	assert.False(t, s.CollectedAt.IsZero())
	assert.Len(t, seen, 2)
}

func TestSnapshotIsolatesFailingBackend(t *testing.T) {
	ok := provisiontest.New(model.BackendKubernetes,
		model.ManagedUnit{Backend: model.BackendKubernetes, ID: "default/a", Name: "a"})
	bad := provisiontest.New(model.BackendGCP)
	bad.ListErr = errors.New("permission denied")

	agg := NewAggregator(provision.NewRegistry(ok, bad), nil, nil)
	s := agg.Snapshot(context.Background())

	assert.Len(t, s.Units[model.BackendKubernetes], 1)
	gcp, present := s.Units[model.BackendGCP]
	assert.True(t, present)
	assert.Empty(t, gcp)
	assert.Contains(t, s.Diagnostics[model.BackendGCP], "permission denied")
	assert.NotContains(t, s.Diagnostics, model.BackendKubernetes)
	assert.NotNil(t, s.Peers)
	assert.NotNil(t, s.Metrics.LastHandshakeByPeer)
}

func TestSnapshotListsFresh(t *testing.T) {
	f := provisiontest.New(model.BackendDocker)
	agg := NewAggregator(provision.NewRegistry(f), nil, nil)

	agg.Snapshot(context.Background())
	agg.Snapshot(context.Background())
	assert.Equal(t, 2, f.Listed)
}
