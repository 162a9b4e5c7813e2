package types

import "time"

// ExportFormatVersion tags exported settings documents.
const ExportFormatVersion = "2.0.0"

// Settings is the process-wide user configuration.
type Settings struct {
	AutoEnable        bool     `json:"autoEnable"`
	ShowNotifications bool     `json:"showNotifications"`
	TrackingAlerts    bool     `json:"trackingAlerts"`
	AllFrames         bool     `json:"allFrames"`
	ApplySiteFixes    bool     `json:"applySiteFixes"`
	Whitelist         []string `json:"whitelist"`
}

// DefaultSettings returns the settings used before anything is persisted.
func DefaultSettings() Settings {
	return Settings{
		AutoEnable:        false,
		ShowNotifications: true,
		TrackingAlerts:    true,
		AllFrames:         true,
		ApplySiteFixes:    false,
		Whitelist:         []string{},
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Whitelist = append([]string{}, s.Whitelist...)
	return out
}

// IsWhitelisted reports whether the normalized domain is on the whitelist.
func (s Settings) IsWhitelisted(domain string) bool {
	for _, d := range s.Whitelist {
		if d == domain {
			return true
		}
	}
	return false
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	AutoEnable        *bool     `json:"autoEnable,omitempty"`
	ShowNotifications *bool     `json:"showNotifications,omitempty"`
	TrackingAlerts    *bool     `json:"trackingAlerts,omitempty"`
	AllFrames         *bool     `json:"allFrames,omitempty"`
	ApplySiteFixes    *bool     `json:"applySiteFixes,omitempty"`
	Whitelist         *[]string `json:"whitelist,omitempty"`
}

// Apply returns s with the patch applied. The whitelist is taken as given;
// callers normalize it.
func (p SettingsPatch) Apply(s Settings) Settings {
	out := s.Clone()
	if p.AutoEnable != nil {
		out.AutoEnable = *p.AutoEnable
	}
	if p.ShowNotifications != nil {
		out.ShowNotifications = *p.ShowNotifications
	}
	if p.TrackingAlerts != nil {
		out.TrackingAlerts = *p.TrackingAlerts
	}
	if p.AllFrames != nil {
		out.AllFrames = *p.AllFrames
	}
	if p.ApplySiteFixes != nil {
		out.ApplySiteFixes = *p.ApplySiteFixes
	}
	if p.Whitelist != nil {
		out.Whitelist = append([]string{}, (*p.Whitelist)...)
	}
	return out
}

// SettingsExport is the import/export document.
type SettingsExport struct {
	Settings   Settings  `json:"settings"`
	ExportDate time.Time `json:"exportDate"`
	Version    string    `json:"version"`
}

// SignatureCount is one row of the most-common-blocking table.
type SignatureCount struct {
	Signature Signature `json:"signature"`
	Count     int       `json:"count"`
}

// BlockingSite is one row of the top-blocking-sites table.
type BlockingSite struct {
	Hostname   string      `json:"hostname"`
	URL        string      `json:"url"`
	Signatures []Signature `json:"signatures"`
	Timestamp  time.Time   `json:"timestamp"`
}

// StatsReport aggregates recent domain states.
type StatsReport struct {
	GeneratedAt        time.Time        `json:"generatedAt"`
	Window             string           `json:"window"`
	TotalSitesChecked  int              `json:"totalSitesChecked"`
	SitesWithBlocking  int              `json:"sitesWithBlocking"`
	MostCommonBlocking []SignatureCount `json:"mostCommonBlocking"`
	TopBlockingSites   []BlockingSite   `json:"topBlockingSites"`
}
