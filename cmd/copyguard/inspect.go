package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/report"
	"github.com/Rorqualx/copyguard/internal/staticscan"
	"github.com/Rorqualx/copyguard/internal/types"
)

// NewInspectCmd creates the inspect command.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file|url>",
		Short: "Statically inspect HTML for copy restrictions",
		Long: `Inspect parses an HTML document without running it and lists inline
blocking handlers, blocking classes and styles, and known tracking
scripts. Arguments starting with http:// or https:// are downloaded;
anything else is read from disk.

Restrictions installed by scripts at runtime are only visible to scan.`,
		Args: cobra.ExactArgs(1),
		RunE: runInspect,
	}

	addFormatFlag(cmd)
	cmd.Flags().String("patterns", os.Getenv("PATTERNS_PATH"), "External patterns file")
	cmd.Flags().DurationP("timeout", "t", 15*time.Second, "Download timeout")
	cmd.Flags().Bool("allow-local", false, "Allow private and loopback URLs")

	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("patterns")
	pats, err := patterns.NewManager(path, false)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	defer pats.Close()

	source := args[0]
	html, err := readDocument(cmd, source)
	if err != nil {
		return err
	}

	rep, err := staticscan.New(pats.Get()).ScanBytes(source, html)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", source, err)
	}

	if format == types.FormatJSON {
		return writeJSON(cmd.OutOrStdout(), rep)
	}
	return report.WriteInspectMarkdown(cmd.OutOrStdout(), rep)
}

func readDocument(cmd *cobra.Command, source string) ([]byte, error) {
	if !isRemote(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", source, err)
		}
		return data, nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	allowLocal, _ := cmd.Flags().GetBool("allow-local")
	return staticscan.NewFetcher(timeout, 2, allowLocal).Fetch(cmdContext(cmd), source)
}

func isRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
