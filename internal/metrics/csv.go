package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wgfleet/internal/model"
)

// Sample is one peer observation at a point in time.
type Sample struct {
	Timestamp time.Time
	Peer      model.PeerRecord
}

// SamplesAt stamps a peer snapshot with ts.
func SamplesAt(ts time.Time, peers []model.PeerRecord) []Sample {
	out := make([]Sample, 0, len(peers))
	for _, p := range peers {
		out = append(out, Sample{Timestamp: ts, Peer: p})
	}
	return out
}

var csvHeader = []string{
	"timestamp",
	"interface",
	"public_key",
	"endpoint",
	"allowed_ips",
	"latest_handshake",
	"rx_bytes",
	"tx_bytes",
}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []Sample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends samples to path, writing the header only when the file is
// new or empty.
func AppendCSV(path string, items []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []Sample) error {
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.Peer.Interface,
			s.Peer.PublicKey,
			s.Peer.Endpoint,
			s.Peer.AllowedIPs,
			strconv.FormatInt(s.Peer.LatestHandshake, 10),
			strconv.FormatUint(s.Peer.RxBytes, 10),
			strconv.FormatUint(s.Peer.TxBytes, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
