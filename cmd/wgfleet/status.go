package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/model"
)

func statusCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show managed units, tunnel peers and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := g.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}
			fmt.Fprint(out, renderStatus(st, time.Now()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot as JSON")
	return cmd
}

func renderStatus(st model.SystemStatus, now time.Time) string {
	var out string

	kinds := make([]string, 0, len(st.Units))
	for k := range st.Units {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	rows := [][]string{}
	for _, k := range kinds {
		for _, u := range st.Units[model.BackendKind(k)] {
			rows = append(rows, []string{k, u.Name, u.ID, stateText(string(u.State)), orDash(u.Address), age(u.CreatedAt, now)})
		}
	}
	out += heading("Units") + "\n"
	if len(rows) == 0 {
		out += muted("no managed units") + "\n"
	} else {
		out += renderTable([]string{"Backend", "Name", "ID", "State", "Address", "Age"}, rows) + "\n"
	}
	for _, k := range kinds {
		if msg := st.Diagnostics[model.BackendKind(k)]; msg != "" {
			out += warnMsg("%s: %s", k, msg) + "\n"
		}
	}
	for k, msg := range st.Diagnostics {
		if _, listed := st.Units[k]; !listed && msg != "" {
			out += warnMsg("%s: %s", k, msg) + "\n"
		}
	}

	out += "\n" + heading("Peers") + "\n"
	if len(st.Peers) == 0 {
		out += muted("no peers") + "\n"
	} else {
		peerRows := make([][]string, len(st.Peers))
		for i, p := range st.Peers {
			peerRows[i] = []string{
				p.Interface,
				shortKey(p.PublicKey),
				orDash(p.Endpoint),
				p.AllowedIPs,
				handshakeAge(p.LatestHandshake, now),
				strconv.FormatUint(p.RxBytes, 10),
				strconv.FormatUint(p.TxBytes, 10),
			}
		}
		out += renderTable([]string{"Tunnel", "Peer", "Endpoint", "Allowed IPs", "Handshake", "Rx", "Tx"}, peerRows) + "\n"
	}

	out += "\n" + keyValues("",
		kv("Tunnels", orDash(strings.Join(st.Tunnels, ", "))),
		kv("Active connections", strconv.Itoa(st.Metrics.ActiveConnections)),
		kv("Rx bytes total", strconv.FormatUint(st.Metrics.RxBytesTotal, 10)),
		kv("Tx bytes total", strconv.FormatUint(st.Metrics.TxBytesTotal, 10)),
		kv("Collected", st.CollectedAt.Format(time.RFC3339)),
	)
	return out
}

func shortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12] + "…"
}

func handshakeAge(epoch int64, now time.Time) string {
	if epoch <= 0 {
		return "never"
	}
	return age(time.Unix(epoch, 0), now) + " ago"
}

func age(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
