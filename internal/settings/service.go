package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/Rorqualx/copyguard/internal/domain"
	"github.com/Rorqualx/copyguard/internal/types"
)

// Service owns the settings record. Writes are serialized and persisted
// before they are published; readers always see a complete snapshot.
type Service struct {
	store Store
	mu    sync.Mutex
	snap  atomic.Pointer[types.Settings]
	now   func() time.Time

	onChange func(types.Settings)
}

// NewService loads the record from store, falling back to defaults.
func NewService(ctx context.Context, store Store) (*Service, error) {
	s, found, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	svc := &Service{store: store, now: time.Now}
	s.Whitelist, _ = domain.NormalizeList(s.Whitelist)
	svc.publish(s)

	log.Debug().
		Bool("found", found).
		Int("whitelist", len(s.Whitelist)).
		Msg("Settings loaded")
	return svc, nil
}

func (svc *Service) publish(s types.Settings) {
	c := s.Clone()
	svc.snap.Store(&c)
}

// Get returns a copy of the current settings.
func (svc *Service) Get() types.Settings {
	return svc.snap.Load().Clone()
}

// commit persists s and publishes it. Callers hold mu.
func (svc *Service) commit(ctx context.Context, s types.Settings) error {
	if err := svc.store.Save(ctx, s); err != nil {
		return err
	}
	svc.publish(s)
	if svc.onChange != nil {
		svc.onChange(s.Clone())
	}
	return nil
}

// OnChange registers a callback invoked after each committed change. It runs
// with writes serialized, so it must not call back into the Service's writers.
func (svc *Service) OnChange(fn func(types.Settings)) {
	svc.mu.Lock()
	svc.onChange = fn
	svc.mu.Unlock()
}

// Update applies a partial update. Whitelist entries are normalized; any
// invalid entry fails the whole update without changing state.
func (svc *Service) Update(ctx context.Context, patch types.SettingsPatch) (types.Settings, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if patch.Whitelist != nil {
		valid, rejected := domain.NormalizeList(*patch.Whitelist)
		if len(rejected) > 0 {
			return svc.Get(), types.NewInvalidDomainError(rejected[0], "not a registrable domain")
		}
		if len(valid) > types.MaxWhitelistLength {
			return svc.Get(), types.NewInvalidDomainError("", fmt.Sprintf("whitelist exceeds %d entries", types.MaxWhitelistLength))
		}
		patch.Whitelist = &valid
	}

	next := patch.Apply(svc.Get())
	if err := svc.commit(ctx, next); err != nil {
		return svc.Get(), err
	}
	log.Info().Msg("Settings updated")
	return next.Clone(), nil
}

// AddToWhitelist normalizes raw and appends it. Adding a present domain
// is a successful no-op; added reports whether the list changed.
func (svc *Service) AddToWhitelist(ctx context.Context, raw string) (d string, added bool, err error) {
	d, err = domain.Normalize(raw)
	if err != nil {
		return "", false, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	cur := svc.Get()
	if cur.IsWhitelisted(d) {
		return d, false, nil
	}
	if len(cur.Whitelist) >= types.MaxWhitelistLength {
		return d, false, types.NewInvalidDomainError(d, fmt.Sprintf("whitelist is full (%d entries)", types.MaxWhitelistLength))
	}
	cur.Whitelist = append(cur.Whitelist, d)
	if err := svc.commit(ctx, cur); err != nil {
		return d, false, err
	}
	log.Info().Str("domain", d).Msg("Domain whitelisted")
	return d, true, nil
}

// RemoveFromWhitelist normalizes raw and removes it. Removing an absent
// domain is a successful no-op.
func (svc *Service) RemoveFromWhitelist(ctx context.Context, raw string) (d string, removed bool, err error) {
	d, err = domain.Normalize(raw)
	if err != nil {
		return "", false, err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	cur := svc.Get()
	kept := cur.Whitelist[:0]
	for _, w := range cur.Whitelist {
		if w == d {
			removed = true
			continue
		}
		kept = append(kept, w)
	}
	if !removed {
		return d, false, nil
	}
	cur.Whitelist = kept
	if err := svc.commit(ctx, cur); err != nil {
		return d, false, err
	}
	log.Info().Str("domain", d).Msg("Domain removed from whitelist")
	return d, true, nil
}

// Reset restores the defaults.
func (svc *Service) Reset(ctx context.Context) (types.Settings, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	def := types.DefaultSettings()
	if err := svc.commit(ctx, def); err != nil {
		return svc.Get(), err
	}
	log.Info().Msg("Settings reset to defaults")
	return def, nil
}

// Export returns the current settings as an export document.
func (svc *Service) Export() types.SettingsExport {
	return types.SettingsExport{
		Settings:   svc.Get(),
		ExportDate: svc.now().UTC().Truncate(time.Second),
		Version:    types.ExportFormatVersion,
	}
}

// Import replaces the settings from an export document. Fields missing
// from the document keep their current values. A malformed document
// returns a MalformedInputError and leaves the settings unchanged.
func (svc *Service) Import(ctx context.Context, payload []byte) (types.Settings, error) {
	next, err := svc.parseImport(payload)
	if err != nil {
		return svc.Get(), err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if err := svc.commit(ctx, next); err != nil {
		return svc.Get(), err
	}
	log.Info().Int("whitelist", len(next.Whitelist)).Msg("Settings imported")
	return next.Clone(), nil
}

func (svc *Service) parseImport(payload []byte) (types.Settings, error) {
	if len(payload) > types.MaxImportBytes {
		return types.Settings{}, types.NewMalformedImportError(fmt.Sprintf("document exceeds %d bytes", types.MaxImportBytes))
	}
	if !gjson.ValidBytes(payload) {
		return types.Settings{}, types.NewMalformedImportError("not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return types.Settings{}, types.NewMalformedImportError("document is not an object")
	}
	doc := root.Get("settings")
	if !doc.IsObject() {
		return types.Settings{}, types.NewMalformedImportError("missing settings object")
	}
	if v := root.Get("version"); v.Exists() && !strings.HasPrefix(v.String(), "2.") {
		log.Warn().Str("version", v.String()).Msg("Importing settings from a different format version")
	}

	next := svc.Get()
	coerceBool(doc, "autoEnable", &next.AutoEnable)
	coerceBool(doc, "showNotifications", &next.ShowNotifications)
	coerceBool(doc, "trackingAlerts", &next.TrackingAlerts)
	coerceBool(doc, "allFrames", &next.AllFrames)
	coerceBool(doc, "applySiteFixes", &next.ApplySiteFixes)

	if wl := doc.Get("whitelist"); wl.IsArray() {
		var entries []string
		for _, e := range wl.Array() {
			if e.Type != gjson.String || strings.TrimSpace(e.Str) == "" {
				continue
			}
			entries = append(entries, e.Str)
		}
		valid, rejected := domain.NormalizeList(entries)
		if len(rejected) > 0 {
			log.Warn().Int("rejected", len(rejected)).Msg("Dropped invalid whitelist entries on import")
		}
		if len(valid) > types.MaxWhitelistLength {
			valid = valid[:types.MaxWhitelistLength]
		}
		next.Whitelist = valid
	}
	return next, nil
}

// coerceBool sets *dst from field when present, using JSON truthiness.
func coerceBool(doc gjson.Result, field string, dst *bool) {
	v := doc.Get(field)
	if !v.Exists() {
		return
	}
	switch v.Type {
	case gjson.True:
		*dst = true
	case gjson.False, gjson.Null:
		*dst = false
	case gjson.Number:
		*dst = v.Num != 0
	case gjson.String:
		*dst = v.Str != ""
	case gjson.JSON:
		*dst = true
	}
}
