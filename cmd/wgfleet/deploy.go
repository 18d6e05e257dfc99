package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/api"
	"wgfleet/internal/deploy"
	"wgfleet/internal/history"
	"wgfleet/internal/model"
	"wgfleet/internal/tracing"
)

func deployCmd(g *globals) *cobra.Command {
	var (
		specPath string
		local    bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy tunnel endpoints described by a YAML or JSON spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res model.DeploymentResult
			if local {
				res = deployLocal(cmd.Context(), g, specPath)
			} else {
				data, err := os.ReadFile(specPath)
				if err != nil {
					return fmt.Errorf("read spec: %w", err)
				}
				var apiErr *api.Error
				res, err = g.client().Deploy(cmd.Context(), data)
				if err != nil && (!errors.As(err, &apiErr) || res.Status == "") {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				printDeployment(out, res)
			}
			if res.Status == model.StatusError {
				return &envelopeError{msg: res.Message}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "Deployment spec file (YAML or JSON)")
	cmd.Flags().BoolVar(&local, "local", false, "Run the deployment in this process instead of through the API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

// deployLocal runs the orchestrator in-process against the configured
// backends. History is recorded when the data dir is writable.
func deployLocal(ctx context.Context, g *globals, path string) model.DeploymentResult {
	log := slog.Default()
	opts := deploy.Options{Tracer: tracing.Tracer("deploy"), Logger: log}
	if hist, err := history.Open(g.cfg.HistoryPath()); err != nil {
		log.Warn("deployment history disabled", "err", err)
	} else {
		defer hist.Close()
		opts.Recorder = hist
	}
	return deploy.New(buildRegistry(ctx, g.cfg, log), opts).DeployFile(ctx, path)
}

func printDeployment(w io.Writer, res model.DeploymentResult) {
	fmt.Fprint(w, keyValues("",
		kv("Deployment", orDash(res.ID)),
		kv("Status", stateText(res.Status)),
		kv("Duration", duration(res.StartedAt, res.FinishedAt)),
	))
	if res.Message != "" {
		if res.Status == model.StatusError {
			fmt.Fprintln(w, errorMsg("%s", res.Message))
		} else {
			fmt.Fprintln(w, muted(res.Message))
		}
	}

	rows := [][]string{}
	add := func(section string, outcomes []model.Outcome) {
		for _, o := range outcomes {
			unitID, state := "-", "-"
			if o.Unit != nil {
				unitID, state = o.Unit.ID, string(o.Unit.State)
			}
			result := stateText(model.StatusSuccess)
			if !o.Succeeded() {
				result = stateText(model.StatusError) + " " + o.Error
			}
			rows = append(rows, []string{section, strconv.Itoa(o.Index), o.Name, string(o.Backend), unitID, stateText(state), result})
		}
	}
	add("cloud", res.Cloud)
	add("containers", res.Containers)
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable([]string{"Section", "#", "Name", "Backend", "Unit", "State", "Result"}, rows))
	}
	for _, o := range append(append([]model.Outcome{}, res.Cloud...), res.Containers...) {
		for _, warning := range o.Warnings {
			fmt.Fprintln(w, warnMsg("%s: %s", o.Name, warning))
		}
	}
}

func deploymentsCmd(g *globals) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "deployments [id]",
		Short: "List recorded deployments or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c := g.client()
			if len(args) == 1 {
				res, err := c.Deployment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, res)
				}
				printDeployment(out, res)
				return nil
			}

			list, err := c.Deployments(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, muted("no deployments recorded"))
				return nil
			}
			rows := make([][]string, len(list))
			for i, d := range list {
				rows[i] = []string{
					d.ID,
					stateText(d.Status),
					d.StartedAt.Local().Format(time.DateTime),
					strconv.Itoa(len(d.Cloud) + len(d.Containers)),
					strconv.Itoa(d.Failures()),
					orDash(d.Message),
				}
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Status", "Started", "Requests", "Failures", "Message"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of deployments to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func duration(from, to time.Time) string {
	if from.IsZero() || to.IsZero() {
		return "-"
	}
	return to.Sub(from).Round(time.Millisecond).String()
}
