package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/model"
)

func unitsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Inspect and terminate managed units",
	}
	cmd.AddCommand(unitsListCmd(g))
	cmd.AddCommand(unitsTerminateCmd(g))
	cmd.AddCommand(unitsLogsCmd(g))
	return cmd
}

func unitsListCmd(g *globals) *cobra.Command {
	var (
		name   string
		state  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "list <backend>",
		Aliases: []string{"ls"},
		Short:   "List the units of one backend",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := g.client().Units(cmd.Context(), model.BackendKind(args[0]), name, model.UnitState(state))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, units)
			}
			if len(units) == 0 {
				fmt.Fprintln(out, muted("no managed units"))
				return nil
			}
			now := time.Now()
			rows := make([][]string, len(units))
			for i, u := range units {
				rows[i] = []string{u.Name, u.ID, stateText(string(u.State)), orDash(u.Address), age(u.CreatedAt, now)}
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "ID", "State", "Address", "Age"}, rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Only units with this name")
	cmd.Flags().StringVar(&state, "state", "", "Only units in this state")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func unitsTerminateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <backend> <id>",
		Short: "Terminate a unit and its auxiliary resources",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().Terminate(cmd.Context(), model.BackendKind(args[0]), args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successMsg("terminated %s %s", args[0], args[1]))
			for _, w := range res.Warnings {
				fmt.Fprintln(out, warnMsg("%s", w))
			}
			return nil
		},
	}
}

func unitsLogsCmd(g *globals) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <backend> <id>",
		Short: "Print the recent logs of a container or pod",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := g.client().Logs(cmd.Context(), model.BackendKind(args[0]), args[1], lines)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "Number of trailing lines")
	return cmd
}
