package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/metrics"
)

func exportCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export peer samples and summarize them",
	}
	cmd.AddCommand(exportPeersCmd(g))
	cmd.AddCommand(exportSummaryCmd(g))
	return cmd
}

func exportPeersCmd(g *globals) *cobra.Command {
	var (
		outPath  string
		appendTo bool
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Write the current peer snapshot as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := g.client().Peers(cmd.Context())
			if err != nil {
				return err
			}
			ts := resp.CollectedAt
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			samples := metrics.SamplesAt(ts, resp.Peers)

			if outPath == "" || outPath == "-" {
				return metrics.WriteCSV(cmd.OutOrStdout(), samples)
			}
			if appendTo {
				err = metrics.AppendCSV(outPath, samples)
			} else {
				err = writeCSVFile(outPath, samples)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), successMsg("wrote %d samples to %s", len(samples), outPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "CSV file to write (default stdout)")
	cmd.Flags().BoolVar(&appendTo, "append", false, "Append to the file instead of replacing it")
	return cmd
}

func writeCSVFile(path string, samples []metrics.Sample) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := metrics.WriteCSV(f, samples); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func exportSummaryCmd(g *globals) *cobra.Command {
	var (
		inPath string
		window time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize handshake ages from a peer CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inPath == "" {
				inPath = g.cfg.Telemetry.PeerLogPath
			}
			if inPath == "" {
				return fmt.Errorf("--in is required when telemetry.peer_log_path is not set")
			}
			samples, err := metrics.ReadCSV(inPath)
			if err != nil {
				return err
			}
			var since time.Time
			if window > 0 {
				since = time.Now().Add(-window)
			}
			s := metrics.Summarize(samples, since)
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, s)
			}
			if s.Count == 0 {
				fmt.Fprintln(out, muted("no samples in range"))
				return nil
			}
			fmt.Fprint(out, keyValues("",
				kv("Samples", strconv.Itoa(s.Count)),
				kv("Peers", strconv.Itoa(s.Peers)),
				kv("From", s.From.Format(time.RFC3339)),
				kv("To", s.To.Format(time.RFC3339)),
				kv("Avg handshake age", secs(s.AvgHandshakeAgeSec)),
				kv("P95 handshake age", secs(s.P95HandshakeAgeSec)),
				kv("Max handshake age", secs(s.MaxHandshakeAgeSec)),
				kv("Never handshaked", strconv.Itoa(s.NeverHandshaked)),
				kv("Stale peers", strconv.Itoa(s.StalePeers)),
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "Peer CSV (default telemetry.peer_log_path)")
	cmd.Flags().DurationVar(&window, "window", 0, "Only samples newer than this (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func secs(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "s"
}
