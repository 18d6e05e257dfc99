package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgfleet/internal/metrics"
	"wgfleet/internal/model"
)

type fakeSource struct {
	mu      sync.Mutex
	peers   []model.PeerRecord
	ifaces  []string
	dumpErr error
	calls   atomic.Int32
}

func (f *fakeSource) Dump(context.Context) ([]model.PeerRecord, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}
	return append([]model.PeerRecord(nil), f.peers...), nil
}

func (f *fakeSource) Interfaces(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ifaces...), nil
}

func TestCollectPublishesSnapshot(t *testing.T) {
	src := &fakeSource{
		peers:  []model.PeerRecord{{Interface: "wg0", PublicKey: "a", RxBytes: 10, TxBytes: 20}},
		ifaces: []string{"wg0"},
	}
	acc := metrics.NewAccumulator()
	at := time.Unix(1700000000, 0)
	c := New(src, acc, Options{Now: func() time.Time { return at }})

	peers, ts := c.Peers()
	assert.Empty(t, peers)
	assert.True(t, ts.IsZero())

	require.NoError(t, c.Collect(context.Background()))

	peers, ts = c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "a", peers[0].PublicKey)
	assert.True(t, ts.Equal(at))
	assert.Equal(t, []string{"wg0"}, c.Tunnels())
	assert.EqualValues(t, 10, c.Metrics().RxBytesTotal)
}

func TestCollectFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{peers: []model.PeerRecord{{PublicKey: "a", RxBytes: 5}}}
	var results []error
	c := New(src, metrics.NewAccumulator(), Options{OnCycle: func(err error) { results = append(results, err) }})

	require.NoError(t, c.Collect(context.Background()))
	src.dumpErr = errors.New("wg: not found")
	require.Error(t, c.Collect(context.Background()))

	peers, _ := c.Peers()
	require.Len(t, peers, 1)
	assert.EqualValues(t, 5, c.Metrics().RxBytesTotal)
	require.Len(t, results, 2)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
}

func TestPeersReturnsCopy(t *testing.T) {
	src := &fakeSource{peers: []model.PeerRecord{{PublicKey: "a"}}}
	c := New(src, metrics.NewAccumulator(), Options{})
	require.NoError(t, c.Collect(context.Background()))

	peers, _ := c.Peers()
	peers[0].PublicKey = "mutated"

	again, _ := c.Peers()
	assert.Equal(t, "a", again[0].PublicKey)
}

func TestCollectAppendsPeerLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.csv")
	src := &fakeSource{peers: []model.PeerRecord{{Interface: "wg0", PublicKey: "a"}}}
	c := New(src, metrics.NewAccumulator(), Options{PeerLogPath: path})

	require.NoError(t, c.Collect(context.Background()))
	require.NoError(t, c.Collect(context.Background()))

	samples, err := metrics.ReadCSV(path)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	c := New(src, metrics.NewAccumulator(), Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunSurvivesCycleErrors(t *testing.T) {
	src := &fakeSource{dumpErr: errors.New("boom")}
	c := New(src, metrics.NewAccumulator(), Options{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestLatestPairsPeersWithTheirCycle(t *testing.T) {
	src := &fakeSource{peers: []model.PeerRecord{{PublicKey: "a", RxBytes: 10, LatestHandshake: 7}}, ifaces: []string{"wg0"}}
	acc := metrics.NewAccumulator()
	c := New(src, acc, Options{})
	require.NoError(t, c.Collect(context.Background()))

	// Observed outside a cycle, so not part of the published snapshot.
	acc.Observe([]model.PeerRecord{{PublicKey: "a", RxBytes: 50}})

	l := c.Latest()
	require.Len(t, l.Peers, 1)
	assert.EqualValues(t, 10, l.Peers[0].RxBytes)
	assert.EqualValues(t, 10, l.Metrics.RxBytesTotal)
	assert.Equal(t, []string{"wg0"}, l.Tunnels)

	l.Metrics.LastHandshakeByPeer["a"] = 0
	assert.EqualValues(t, 7, c.Latest().Metrics.LastHandshakeByPeer["a"])
}
