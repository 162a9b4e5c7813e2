package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/types"
)

// addFormatFlag registers --format on cmd.
func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "f", types.FormatMarkdown, "Output format (json, markdown)")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case types.FormatJSON, types.FormatMarkdown:
		return format, nil
	}
	return "", fmt.Errorf("unsupported format %q (want json or markdown)", format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
