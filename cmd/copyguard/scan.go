package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/domain"
	"github.com/Rorqualx/copyguard/internal/report"
	"github.com/Rorqualx/copyguard/internal/settings"
	"github.com/Rorqualx/copyguard/internal/types"
)

// scanPollInterval is how often scan checks for a completed detection.
const scanPollInterval = 100 * time.Millisecond

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <url>",
		Short: "Open a page in a browser and report its copy restrictions",
		Long: `Scan opens the URL in a single headless tab, waits for the detector to
report, and prints the signatures that fired. With --enable the copy
restrictions are then removed and the bypass result is printed as well.

Scan runs its own browser and keeps settings in memory; it does not need
or touch a running server.`,
		Example: `  copyguard scan https://medium.com/some/post
  copyguard scan --enable --format json https://example.com/`,
		Args: cobra.ExactArgs(1),
		RunE: runScan,
	}

	addFormatFlag(cmd)
	cmd.Flags().Bool("enable", false, "Remove copy restrictions after detection")
	cmd.Flags().DurationP("timeout", "t", 30*time.Second, "Maximum time to wait for detection")
	cmd.Flags().Bool("headful", false, "Show the browser window")
	cmd.Flags().Bool("allow-local", false, "Allow private and loopback targets")

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	enable, _ := cmd.Flags().GetBool("enable")

	cfg := config.Load()
	cfg.BrowserPoolSize = 1
	cfg.MaxTabs = 1
	cfg.PrometheusEnabled = false
	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		cfg.Headless = false
	}
	if allow, _ := cmd.Flags().GetBool("allow-local"); allow {
		cfg.AllowLocalTargets = true
	}
	cfg.Validate()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
	defer cancel()

	eng, err := newEngine(ctx, cfg, settings.NewMemoryStore())
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.close(); err != nil {
			log.Warn().Err(err).Msg("Engine shutdown error")
		}
	}()

	scan, err := scanURL(ctx, eng, args[0], enable)
	if err != nil {
		return err
	}

	if format == types.FormatJSON {
		return writeJSON(cmd.OutOrStdout(), scan)
	}
	return report.WriteScanMarkdown(cmd.OutOrStdout(), scan)
}

// scanURL opens rawURL in a tab and waits until the coordinator holds a state
// for it or ctx expires. A timeout still returns what the tab has seen.
func scanURL(ctx context.Context, eng *engine, rawURL string, enable bool) (report.Scan, error) {
	start := time.Now()

	info, err := eng.tabs.Open(ctx, rawURL)
	if err != nil {
		return report.Scan{}, fmt.Errorf("open %s: %w", rawURL, err)
	}
	log.Debug().Str("tab_id", info.ID).Msg("Tab opened, waiting for detection")

	scan := report.Scan{URL: info.URL, Domain: info.DomainKey}
	if scan.Domain == "" {
		scan.Domain, _ = domain.Key(info.URL, eng.patterns.Get().IsSpecialDomain)
	}

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

wait:
	for {
		if st, ok := eng.coord.CurrentTabState(info.ID); ok {
			scan.Title = st.Title
			scan.Results = st.Results
			break
		}
		select {
		case <-ctx.Done():
			log.Warn().Str("url", rawURL).Msg("Detection did not complete before the timeout")
			break wait
		case <-ticker.C:
		}
	}

	results, state, err := eng.tabs.Status(info.ID)
	if err == nil {
		scan.Detector = state
		scan.Results = scan.Results.Merge(results)
	}

	if enable {
		if ctx.Err() != nil {
			return scan, errors.New("no time left to enable copy; raise --timeout")
		}
		bypass, err := eng.tabs.EnableCopy(ctx, info.ID)
		if err != nil {
			return scan, fmt.Errorf("enable copy: %w", err)
		}
		scan.Bypass = &bypass
	}

	scan.Duration = time.Since(start)
	return scan, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
