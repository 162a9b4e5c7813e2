package types

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request validation limits.
const (
	MaxCmdLength       = 64
	MaxURLLength       = 8192
	MaxTabIDLength     = 64
	MaxDomainLength    = 253
	MaxTimeoutMs       = 300000 // 5 minutes in milliseconds
	MaxImportBytes     = 256 * 1024
	MaxWhitelistLength = 5000
)

// Commands supported by the API.
const (
	CmdEnableCopy          = "ENABLE_COPY"
	CmdGetStatus           = "GET_STATUS"
	CmdGetSettings         = "GET_SETTINGS"
	CmdUpdateSettings      = "UPDATE_SETTINGS"
	CmdAddToWhitelist      = "ADD_TO_WHITELIST"
	CmdRemoveFromWhitelist = "REMOVE_FROM_WHITELIST"
	CmdGetCurrentTabState  = "GET_CURRENT_TAB_STATE"
	CmdGetStats            = "GET_STATS"
	CmdExportSettings      = "EXPORT_SETTINGS"
	CmdImportSettings      = "IMPORT_SETTINGS"
	CmdTabOpen             = "TAB_OPEN"
	CmdTabClose            = "TAB_CLOSE"
	CmdTabList             = "TAB_LIST"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Report formats for GET_STATS.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Request represents an incoming API request.
type Request struct {
	Cmd        string          `json:"cmd"`
	URL        string          `json:"url,omitempty"`
	TabID      string          `json:"tabId,omitempty"`
	Domain     string          `json:"domain,omitempty"`
	Settings   *SettingsPatch  `json:"settings,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Format     string          `json:"format,omitempty"`
	MaxTimeout int             `json:"maxTimeout,omitempty"`
}

// Validate checks field bounds and the per-command required fields.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}

	switch r.Cmd {
	case CmdEnableCopy, CmdGetStatus, CmdGetCurrentTabState, CmdTabClose:
		if r.TabID == "" {
			return ErrTabIDRequired
		}
	case CmdTabOpen:
		if r.URL == "" {
			return ErrURLRequired
		}
	case CmdAddToWhitelist, CmdRemoveFromWhitelist:
		if r.Domain == "" {
			return fmt.Errorf("domain is required")
		}
	case CmdUpdateSettings:
		if r.Settings == nil {
			return fmt.Errorf("settings is required")
		}
		if r.Settings.Whitelist != nil && len(*r.Settings.Whitelist) > MaxWhitelistLength {
			return fmt.Errorf("whitelist exceeds maximum of %d entries", MaxWhitelistLength)
		}
	case CmdImportSettings:
		if len(r.Payload) == 0 {
			return fmt.Errorf("payload is required")
		}
		if len(r.Payload) > MaxImportBytes {
			return fmt.Errorf("payload exceeds maximum size of %d bytes", MaxImportBytes)
		}
	case CmdGetSettings, CmdGetStats, CmdExportSettings, CmdTabList:
	default:
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
		}
	}

	if len(r.TabID) > MaxTabIDLength {
		return fmt.Errorf("tabId exceeds maximum length of %d", MaxTabIDLength)
	}
	if len(r.Domain) > MaxDomainLength+len("https://") {
		return fmt.Errorf("domain exceeds maximum length of %d", MaxDomainLength)
	}

	if r.MaxTimeout < 0 {
		return fmt.Errorf("maxTimeout cannot be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}

	switch r.Format {
	case "", FormatJSON, FormatMarkdown:
	default:
		return fmt.Errorf("format must be %q or %q", FormatJSON, FormatMarkdown)
	}

	return nil
}

// Response represents an API response.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	StartTime int64  `json:"startTimestamp"`
	EndTime   int64  `json:"endTimestamp"`
	Version   string `json:"version"`

	Success  *bool            `json:"success,omitempty"`
	Domain   string           `json:"domain,omitempty"`
	TabID    string           `json:"tabId,omitempty"`
	Results  *DetectionResult `json:"results,omitempty"`
	Detector string           `json:"detector,omitempty"`
	Bypass   *BypassResult    `json:"bypass,omitempty"`
	Settings *Settings        `json:"settings,omitempty"`
	Export   *SettingsExport  `json:"export,omitempty"`
	Stats    *StatsReport     `json:"stats,omitempty"`
	Markdown string           `json:"markdown,omitempty"`
	Tab      *TabInfo         `json:"tab,omitempty"`
	Tabs     []TabInfo        `json:"tabs,omitempty"`
}

// TabInfo describes an open tab.
type TabInfo struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	DomainKey string          `json:"domainKey,omitempty"`
	Detector  string          `json:"detector"`
	Results   DetectionResult `json:"results"`
	Indicator Indicator       `json:"indicator"`
	CreatedAt int64           `json:"createdAt"`
	LastUsed  int64           `json:"lastUsed"`
}
