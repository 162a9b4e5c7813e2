package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/types"
)

// NewStatsCmd creates the stats command.
func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the blocking statistics of a running server",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	addFormatFlag(cmd)
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	c, _ := newClient(cmd)
	res, err := c.Do(cmdContext(cmd), types.Request{Cmd: types.CmdGetStats, Format: format})
	if err != nil {
		return err
	}

	if format == types.FormatMarkdown {
		_, err := fmt.Fprint(cmd.OutOrStdout(), res.Get("markdown").String())
		return err
	}
	return writeJSON(cmd.OutOrStdout(), json.RawMessage(res.Get("stats").Raw))
}
