package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	tru := true
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{"missing cmd", Request{}, "cmd is required"},
		{"unknown cmd", Request{Cmd: "request.get"}, "Unknown command"},
		{"enable without tab", Request{Cmd: CmdEnableCopy}, "tabId is required"},
		{"enable ok", Request{Cmd: CmdEnableCopy, TabID: "abc"}, ""},
		{"open without url", Request{Cmd: CmdTabOpen}, "url is required"},
		{"open bad scheme", Request{Cmd: CmdTabOpen, URL: "file:///etc/passwd"}, "scheme"},
		{"open ok", Request{Cmd: CmdTabOpen, URL: "https://example.com"}, ""},
		{"whitelist without domain", Request{Cmd: CmdAddToWhitelist}, "domain is required"},
		{"whitelist ok", Request{Cmd: CmdAddToWhitelist, Domain: "example.com"}, ""},
		{"update without settings", Request{Cmd: CmdUpdateSettings}, "settings is required"},
		{"update ok", Request{Cmd: CmdUpdateSettings, Settings: &SettingsPatch{AutoEnable: &tru}}, ""},
		{"import without payload", Request{Cmd: CmdImportSettings}, "payload is required"},
		{"stats bad format", Request{Cmd: CmdGetStats, Format: "xml"}, "format must be"},
		{"stats markdown", Request{Cmd: CmdGetStats, Format: FormatMarkdown}, ""},
		{"negative timeout", Request{Cmd: CmdTabList, MaxTimeout: -1}, "negative"},
		{"long tab id", Request{Cmd: CmdGetStatus, TabID: strings.Repeat("a", MaxTabIDLength+1)}, "tabId exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestDetectionResultJSONFieldNames verifies the wire names used by API clients.
func TestDetectionResultJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(DetectionResult{})
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	for _, field := range []string{`"cssBlocking"`, `"jsBlocking"`, `"contextMenuBlocked"`,
		`"copyTracking"`, `"pasteTracking"`, `"selectionBlocked"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("Expected field %s not found in JSON: %s", field, data)
		}
	}
}

func TestSettingsPatchApply(t *testing.T) {
	base := DefaultSettings()
	f := false
	wl := []string{"example.com"}
	got := SettingsPatch{ShowNotifications: &f, Whitelist: &wl}.Apply(base)

	if got.ShowNotifications {
		t.Error("ShowNotifications should be false after patch")
	}
	if !got.TrackingAlerts || !got.AllFrames {
		t.Error("unpatched fields changed")
	}
	if len(got.Whitelist) != 1 || got.Whitelist[0] != "example.com" {
		t.Errorf("Whitelist = %v", got.Whitelist)
	}
	wl[0] = "mutated.com"
	if got.Whitelist[0] != "example.com" {
		t.Error("Apply must copy the whitelist slice")
	}
	if len(base.Whitelist) != 0 {
		t.Error("Apply mutated the base settings")
	}
}
