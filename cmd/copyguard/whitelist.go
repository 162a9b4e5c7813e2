package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/types"
)

// NewWhitelistCmd creates the whitelist command group.
func NewWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "whitelist",
		Aliases: []string{"wl"},
		Short:   "Manage the auto-enable domain whitelist on a running server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <domain>",
		Short: "Add a domain to the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return whitelistChange(cmd, types.CmdAddToWhitelist, args[0], "Added")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "remove <domain>",
		Aliases: []string{"rm"},
		Short:   "Remove a domain from the whitelist",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return whitelistChange(cmd, types.CmdRemoveFromWhitelist, args[0], "Removed")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Print the whitelist, one domain per line",
		Args:    cobra.NoArgs,
		RunE:    runWhitelistList,
	})

	return cmd
}

func whitelistChange(cmd *cobra.Command, command, raw, verb string) error {
	c, _ := newClient(cmd)
	res, err := c.Do(cmdContext(cmd), types.Request{Cmd: command, Domain: raw})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, res.Get("domain").String())
	return nil
}

func runWhitelistList(cmd *cobra.Command, _ []string) error {
	c, _ := newClient(cmd)
	s, err := c.Settings(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, d := range s.Get("whitelist").Array() {
		fmt.Fprintln(out, d.String())
	}
	return nil
}
