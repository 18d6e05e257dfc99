package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"wgfleet/internal/model"
)

// ReadCSV loads peer samples from a CSV file written by AppendCSV.
func ReadCSV(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(csvHeader)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if records[0][0] == csvHeader[0] {
		start = 1
	}

	items := make([]Sample, 0, len(records)-start)
	for i, rec := range records[start:] {
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: timestamp: %w", i+start+1, err)
		}
		hs, err := strconv.ParseInt(rec[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: latest_handshake: %w", i+start+1, err)
		}
		rx, err := strconv.ParseUint(rec[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: rx_bytes: %w", i+start+1, err)
		}
		tx, err := strconv.ParseUint(rec[7], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: tx_bytes: %w", i+start+1, err)
		}
		items = append(items, Sample{
			Timestamp: ts,
			Peer: model.PeerRecord{
				Interface:       rec[1],
				PublicKey:       rec[2],
				Endpoint:        rec[3],
				AllowedIPs:      rec[4],
				LatestHandshake: hs,
				RxBytes:         rx,
				TxBytes:         tx,
			},
		})
	}
	return items, nil
}
