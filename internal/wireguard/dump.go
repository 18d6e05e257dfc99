package wireguard

import (
	"context"
	"strconv"
	"strings"

	"wgfleet/internal/model"
)

// dumpPeerFields is the minimum field count of a peer line in `wg show all dump`.
// Interface lines carry five fields and are skipped.
const dumpPeerFields = 8

// Dump returns the peers of every interface as currently observed by the engine.
func (m *Manager) Dump(ctx context.Context) ([]model.PeerRecord, error) {
	out, err := m.output(ctx, "wg", "show", "all", "dump")
	if err != nil {
		return nil, err
	}
	return ParseDump(out), nil
}

// Interfaces lists the tunnel interfaces known to the engine.
func (m *Manager) Interfaces(ctx context.Context) ([]string, error) {
	out, err := m.output(ctx, "wg", "show", "interfaces")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// ParseDump parses `wg show all dump` output into peer records. Malformed lines
// are skipped and unparsable counters read as zero. Order follows the input; a
// repeated public key replaces the earlier record in place.
func ParseDump(dump string) []model.PeerRecord {
	peers := []model.PeerRecord{}
	index := map[string]int{}
	for _, line := range strings.Split(dump, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < dumpPeerFields {
			continue
		}
		rec := model.PeerRecord{
			Interface:       fields[0],
			PublicKey:       fields[1],
			Endpoint:        normalizeNone(fields[3]),
			AllowedIPs:      normalizeNone(fields[4]),
			LatestHandshake: parseInt(fields[5]),
			RxBytes:         parseUint(fields[6]),
			TxBytes:         parseUint(fields[7]),
		}
		if rec.PublicKey == "" {
			continue
		}
		if i, ok := index[rec.PublicKey]; ok {
			peers[i] = rec
			continue
		}
		index[rec.PublicKey] = len(peers)
		peers = append(peers, rec)
	}
	return peers
}

// PeerEndpoints returns public key -> endpoint for peers with a known endpoint.
func PeerEndpoints(peers []model.PeerRecord) map[string]string {
	out := make(map[string]string, len(peers))
	for _, p := range peers {
		if p.Endpoint == "" || p.Endpoint == "0.0.0.0:0" || p.Endpoint == "[::]:0" {
			continue
		}
		out[p.PublicKey] = p.Endpoint
	}
	return out
}

func normalizeNone(v string) string {
	v = strings.TrimSpace(v)
	if v == "(none)" {
		return ""
	}
	return v
}

func parseInt(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseUint(v string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
