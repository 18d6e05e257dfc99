package metrics

import (
	"math"
	"sort"
	"time"
)

// StaleHandshake is the handshake age after which a peer is considered gone.
// The engine re-handshakes every two minutes while traffic flows.
const StaleHandshake = 3 * time.Minute

// Summary is a basic statistics snapshot over peer samples.
type Summary struct {
	Count              int
	Peers              int
	From               time.Time
	To                 time.Time
	AvgHandshakeAgeSec float64
	P95HandshakeAgeSec float64
	MaxHandshakeAgeSec float64
	NeverHandshaked    int
	StalePeers         int
}

// Summarize computes handshake age statistics for samples at or after since.
// Stale and never-handshaked counts use each peer's latest sample.
func Summarize(items []Sample, since time.Time) Summary {
	filtered := make([]Sample, 0, len(items))
	for _, s := range items {
		if !s.Timestamp.Before(since) {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	from := filtered[0].Timestamp
	to := filtered[0].Timestamp
	latest := map[string]Sample{}
	ages := make([]float64, 0, len(filtered))
	var sum float64
	maxAge := 0.0

	for _, s := range filtered {
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
		if prev, ok := latest[s.Peer.PublicKey]; !ok || s.Timestamp.After(prev.Timestamp) {
			latest[s.Peer.PublicKey] = s
		}
		if s.Peer.LatestHandshake <= 0 {
			continue
		}
		age := s.Timestamp.Sub(time.Unix(s.Peer.LatestHandshake, 0)).Seconds()
		if age < 0 {
			age = 0
		}
		ages = append(ages, age)
		sum += age
		if age > maxAge {
			maxAge = age
		}
	}

	out := Summary{
		Count: len(filtered),
		Peers: len(latest),
		From:  from,
		To:    to,
	}
	for _, s := range latest {
		switch {
		case s.Peer.LatestHandshake <= 0:
			out.NeverHandshaked++
		case s.Timestamp.Sub(time.Unix(s.Peer.LatestHandshake, 0)) > StaleHandshake:
			out.StalePeers++
		}
	}
	if len(ages) > 0 {
		sort.Float64s(ages)
		out.AvgHandshakeAgeSec = sum / float64(len(ages))
		out.P95HandshakeAgeSec = percentile(ages, 0.95)
		out.MaxHandshakeAgeSec = maxAge
	}
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
