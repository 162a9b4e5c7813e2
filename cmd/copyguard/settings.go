package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/types"
)

// NewSettingsCmd creates the settings command group.
func NewSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show, change, export and import settings on a running server",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current settings as JSON",
		Args:  cobra.NoArgs,
		RunE:  runSettingsShow,
	})
	cmd.AddCommand(newSettingsSetCmd())

	export := &cobra.Command{
		Use:   "export",
		Short: "Export settings in the portable backup format",
		Args:  cobra.NoArgs,
		RunE:  runSettingsExport,
	}
	export.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Replace settings with a previously exported file ('-' for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSettingsImport,
	})

	return cmd
}

func newSettingsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change individual settings",
		Example: `  copyguard settings set --auto-enable=false
  copyguard settings set --tracking-alerts --site-fixes=false`,
		Args: cobra.NoArgs,
		RunE: runSettingsSet,
	}
	cmd.Flags().Bool("auto-enable", true, "Enable copy automatically on whitelisted domains")
	cmd.Flags().Bool("notifications", true, "Send notifications")
	cmd.Flags().Bool("tracking-alerts", true, "Notify about copy and paste tracking")
	cmd.Flags().Bool("all-frames", true, "Run the bypass in every frame")
	cmd.Flags().Bool("site-fixes", true, "Apply site-specific fixes")
	return cmd
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	c, _ := newClient(cmd)
	s, err := c.Settings(cmdContext(cmd))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), json.RawMessage(s.Raw))
}

func runSettingsSet(cmd *cobra.Command, _ []string) error {
	patch := &types.SettingsPatch{}
	flags := cmd.Flags()
	fields := []struct {
		flag string
		dst  **bool
	}{
		{"auto-enable", &patch.AutoEnable},
		{"notifications", &patch.ShowNotifications},
		{"tracking-alerts", &patch.TrackingAlerts},
		{"all-frames", &patch.AllFrames},
		{"site-fixes", &patch.ApplySiteFixes},
	}

	changed := 0
	for _, f := range fields {
		if !flags.Changed(f.flag) {
			continue
		}
		v, _ := flags.GetBool(f.flag)
		*f.dst = &v
		changed++
	}
	if changed == 0 {
		return fmt.Errorf("no settings given; see 'copyguard settings set --help'")
	}

	c, _ := newClient(cmd)
	res, err := c.Do(cmdContext(cmd), types.Request{Cmd: types.CmdUpdateSettings, Settings: patch})
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), json.RawMessage(res.Get("settings").Raw))
}

func runSettingsExport(cmd *cobra.Command, _ []string) error {
	c, _ := newClient(cmd)
	res, err := c.Do(cmdContext(cmd), types.Request{Cmd: types.CmdExportSettings})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}
	return writeJSON(out, json.RawMessage(res.Get("export").Raw))
}

func runSettingsImport(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(io.LimitReader(cmd.InOrStdin(), types.MaxImportBytes+1))
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}
	if len(data) > types.MaxImportBytes {
		return fmt.Errorf("import exceeds %d bytes", types.MaxImportBytes)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s is not valid JSON", args[0])
	}

	c, _ := newClient(cmd)
	res, err := c.Do(cmdContext(cmd), types.Request{Cmd: types.CmdImportSettings, Payload: data})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported settings (%d whitelisted domains)\n",
		len(res.Get("settings.whitelist").Array()))
	return nil
}
