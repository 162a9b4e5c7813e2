package main

import (
	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/tui"
)

// NewTopCmd creates the top command.
func NewTopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running server's tabs and statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, server := newClient(cmd)
			return tui.Run(c, server)
		},
	}
}
