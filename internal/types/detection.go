package types

import "time"

// Signature names one field of a DetectionResult.
type Signature string

// Signatures in reporting order.
const (
	SigCSSBlocking        Signature = "cssBlocking"
	SigJSBlocking         Signature = "jsBlocking"
	SigContextMenuBlocked Signature = "contextMenuBlocked"
	SigCopyTracking       Signature = "copyTracking"
	SigPasteTracking      Signature = "pasteTracking"
	SigSelectionBlocked   Signature = "selectionBlocked"
)

// AllSignatures lists every signature in reporting order.
var AllSignatures = []Signature{
	SigCSSBlocking,
	SigJSBlocking,
	SigContextMenuBlocked,
	SigCopyTracking,
	SigPasteTracking,
	SigSelectionBlocked,
}

var signatureLabels = map[Signature]string{
	SigCSSBlocking:        "CSS blocking",
	SigJSBlocking:         "JavaScript blocking",
	SigContextMenuBlocked: "Context menu disabled",
	SigCopyTracking:       "Copy tracking",
	SigPasteTracking:      "Paste tracking",
	SigSelectionBlocked:   "Selection blocked",
}

// Label returns the human-readable name used in notifications.
func (s Signature) Label() string {
	if l, ok := signatureLabels[s]; ok {
		return l
	}
	return string(s)
}

// DetectionResult is the per page-context record of what the detector found.
// Fields only move from false to true until a recheck or reset replaces them.
type DetectionResult struct {
	CSSBlocking        bool `json:"cssBlocking"`
	JSBlocking         bool `json:"jsBlocking"`
	ContextMenuBlocked bool `json:"contextMenuBlocked"`
	CopyTracking       bool `json:"copyTracking"`
	PasteTracking      bool `json:"pasteTracking"`
	SelectionBlocked   bool `json:"selectionBlocked"`
}

// HasBlocking reports whether any signature fired.
func (r DetectionResult) HasBlocking() bool {
	return r.CSSBlocking || r.JSBlocking || r.ContextMenuBlocked ||
		r.CopyTracking || r.PasteTracking || r.SelectionBlocked
}

// Has reports whether the given signature fired.
func (r DetectionResult) Has(s Signature) bool {
	switch s {
	case SigCSSBlocking:
		return r.CSSBlocking
	case SigJSBlocking:
		return r.JSBlocking
	case SigContextMenuBlocked:
		return r.ContextMenuBlocked
	case SigCopyTracking:
		return r.CopyTracking
	case SigPasteTracking:
		return r.PasteTracking
	case SigSelectionBlocked:
		return r.SelectionBlocked
	}
	return false
}

// Fired returns the signatures that are set, in reporting order.
func (r DetectionResult) Fired() []Signature {
	var out []Signature
	for _, s := range AllSignatures {
		if r.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Merge returns r with every field of other that is true also set.
func (r DetectionResult) Merge(other DetectionResult) DetectionResult {
	r.CSSBlocking = r.CSSBlocking || other.CSSBlocking
	r.JSBlocking = r.JSBlocking || other.JSBlocking
	r.ContextMenuBlocked = r.ContextMenuBlocked || other.ContextMenuBlocked
	r.CopyTracking = r.CopyTracking || other.CopyTracking
	r.PasteTracking = r.PasteTracking || other.PasteTracking
	r.SelectionBlocked = r.SelectionBlocked || other.SelectionBlocked
	return r
}

// DomainState is the coordinator's latest knowledge about one domain key.
type DomainState struct {
	DomainKey string          `json:"domainKey"`
	Hostname  string          `json:"hostname"`
	URL       string          `json:"url"`
	Title     string          `json:"title"`
	Results   DetectionResult `json:"results"`
	TabID     string          `json:"tabId"`
	Timestamp time.Time       `json:"timestamp"`
}

// Indicator is the per-tab badge derived from the latest result.
type Indicator struct {
	Text     string `json:"text"`
	Title    string `json:"title"`
	Blocking bool   `json:"blocking"`
}

// IndicatorFor builds the badge for a result.
func IndicatorFor(r DetectionResult) Indicator {
	if r.HasBlocking() {
		return Indicator{Text: "!", Title: "Copy restrictions detected", Blocking: true}
	}
	return Indicator{Text: "", Title: "No copy restrictions detected"}
}

// BypassResult summarizes one enable-copy run.
type BypassResult struct {
	StyleInstalled   bool     `json:"styleInstalled"`
	HandlersCleared  int      `json:"handlersCleared"`
	ElementsSwept    int      `json:"elementsSwept"`
	ClassesStripped  int      `json:"classesStripped"`
	ListenersRemoved int      `json:"listenersRemoved"`
	CaptureInstalled bool     `json:"captureInstalled"`
	SiteFix          string   `json:"siteFix,omitempty"`
	Failures         int      `json:"failures"`
	Errors           []string `json:"errors,omitempty"`
}
