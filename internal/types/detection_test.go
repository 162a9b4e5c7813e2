package types

import (
	"errors"
	"testing"
)

// TestHasBlockingMatchesFields checks HasBlocking against every combination of the six flags.
func TestHasBlockingMatchesFields(t *testing.T) {
	for mask := 0; mask < 1<<6; mask++ {
		r := DetectionResult{
			CSSBlocking:        mask&1 != 0,
			JSBlocking:         mask&2 != 0,
			ContextMenuBlocked: mask&4 != 0,
			CopyTracking:       mask&8 != 0,
			PasteTracking:      mask&16 != 0,
			SelectionBlocked:   mask&32 != 0,
		}
		want := r.CSSBlocking || r.JSBlocking || r.ContextMenuBlocked ||
			r.CopyTracking || r.PasteTracking || r.SelectionBlocked
		if got := r.HasBlocking(); got != want {
			t.Errorf("mask %06b: HasBlocking() = %v, want %v", mask, got, want)
		}
		if got := len(r.Fired()) > 0; got != want {
			t.Errorf("mask %06b: len(Fired()) > 0 = %v, want %v", mask, got, want)
		}
	}
}

func TestFiredOrder(t *testing.T) {
	r := DetectionResult{SelectionBlocked: true, CSSBlocking: true, CopyTracking: true}
	fired := r.Fired()
	want := []Signature{SigCSSBlocking, SigCopyTracking, SigSelectionBlocked}
	if len(fired) != len(want) {
		t.Fatalf("Fired() = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("Fired()[%d] = %s, want %s", i, fired[i], want[i])
		}
	}
}

func TestMergeNeverClears(t *testing.T) {
	a := DetectionResult{CSSBlocking: true, PasteTracking: true}
	b := DetectionResult{JSBlocking: true}
	m := a.Merge(b)
	if !m.CSSBlocking || !m.PasteTracking || !m.JSBlocking {
		t.Errorf("Merge lost a flag: %+v", m)
	}
	if m.CopyTracking || m.ContextMenuBlocked || m.SelectionBlocked {
		t.Errorf("Merge set an unexpected flag: %+v", m)
	}
}

func TestIndicatorFor(t *testing.T) {
	if ind := IndicatorFor(DetectionResult{}); ind.Blocking || ind.Text != "" {
		t.Errorf("clean result indicator = %+v", ind)
	}
	if ind := IndicatorFor(DetectionResult{CopyTracking: true}); !ind.Blocking || ind.Text != "!" {
		t.Errorf("blocking result indicator = %+v", ind)
	}
}

func TestSignatureLabel(t *testing.T) {
	if got := SigCSSBlocking.Label(); got != "CSS blocking" {
		t.Errorf("Label() = %q", got)
	}
	if got := Signature("custom").Label(); got != "custom" {
		t.Errorf("unknown Label() = %q", got)
	}
}

func TestMalformedInputErrorUnwrap(t *testing.T) {
	err := NewInvalidURLError("not a url")
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected errors.Is(err, ErrInvalidURL)")
	}
	var mi *MalformedInputError
	if !errors.As(error(err), &mi) || mi.Field != "url" {
		t.Errorf("expected MalformedInputError with field url, got %v", err)
	}
	if !errors.Is(NewMalformedImportError("x"), ErrMalformedImport) {
		t.Errorf("import error does not unwrap to ErrMalformedImport")
	}
}
