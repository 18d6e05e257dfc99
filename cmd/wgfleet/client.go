package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"wgfleet/internal/api"
)

func clientCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage tunnel clients",
	}
	cmd.AddCommand(clientAddCmd(g))
	cmd.AddCommand(clientRemoveCmd(g))
	cmd.AddCommand(clientListCmd(g))
	cmd.AddCommand(clientConfigCmd(g))
	return cmd
}

func clientAddCmd(g *globals) *cobra.Command {
	var req api.CreateClientRequest
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a client, add it as a peer and render its config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			c, err := g.client().CreateClient(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successMsg("client %s created", c.Name))
			fmt.Fprint(out, keyValues("  ",
				kv("Tunnel", c.Tunnel),
				kv("Address", c.Address),
				kv("Public key", c.PublicKey),
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Tunnel, "tunnel", "", "Tunnel interface (default from config)")
	cmd.Flags().StringVar(&req.IP, "ip", "", "Client address (default: next free address)")
	return cmd
}

func clientRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a client and its peer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().RemoveClient(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("client %s removed", args[0]))
			return nil
		},
	}
}

func clientListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List clients with their live endpoint and handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := g.client().Clients(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, muted("no clients registered"))
				return nil
			}
			now := time.Now()
			rows := make([][]string, len(list))
			for i, c := range list {
				rows[i] = []string{c.Name, c.Tunnel, c.Address, orDash(c.Endpoint), handshakeAge(c.Handshake, now), shortKey(c.PublicKey)}
			}
			fmt.Fprintln(out, renderTable([]string{"Name", "Tunnel", "Address", "Endpoint", "Handshake", "Public key"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func clientConfigCmd(g *globals) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "config <name>",
		Short: "Print or save a client's tunnel config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := g.client().ClientConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			}
			if err := os.WriteFile(outPath, []byte(text), 0o600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("wrote %s", outPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "Write the config to this file (mode 0600)")
	return cmd
}
