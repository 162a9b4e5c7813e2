package settings

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/copyguard/internal/types"
)

func newService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc, err := NewService(context.Background(), store)
	require.NoError(t, err)
	return svc, store
}

func boolPtr(b bool) *bool { return &b }

func TestNewService_Defaults(t *testing.T) {
	svc, _ := newService(t)
	assert.Equal(t, types.DefaultSettings(), svc.Get())
}

func TestGet_ReturnsCopy(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.AddToWhitelist(context.Background(), "example.com")
	require.NoError(t, err)

	s := svc.Get()
	s.Whitelist[0] = "mutated.com"
	assert.Equal(t, []string{"example.com"}, svc.Get().Whitelist)
}

func TestUpdate(t *testing.T) {
	svc, store := newService(t)
	wl := []string{"https://www.Example.com/a", "example.com", "news.org"}

	got, err := svc.Update(context.Background(), types.SettingsPatch{
		AutoEnable: boolPtr(true),
		Whitelist:  &wl,
	})
	require.NoError(t, err)
	assert.True(t, got.AutoEnable)
	assert.True(t, got.ShowNotifications)
	assert.Equal(t, []string{"example.com", "news.org"}, got.Whitelist)
	assert.Equal(t, got, svc.Get())
	assert.Equal(t, 1, store.Saves())
}

func TestUpdate_InvalidWhitelistLeavesState(t *testing.T) {
	svc, store := newService(t)
	wl := []string{"example.com", "co.uk"}

	_, err := svc.Update(context.Background(), types.SettingsPatch{AutoEnable: boolPtr(true), Whitelist: &wl})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidDomain)
	assert.Equal(t, types.DefaultSettings(), svc.Get())
	assert.Equal(t, 0, store.Saves())
}

func TestUpdate_StoreErrorLeavesState(t *testing.T) {
	svc, store := newService(t)
	store.SaveErr = errors.New("disk full")

	_, err := svc.Update(context.Background(), types.SettingsPatch{AutoEnable: boolPtr(true)})
	require.Error(t, err)
	assert.False(t, svc.Get().AutoEnable)
}

func TestOnChange(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	var got []types.Settings
	svc.OnChange(func(s types.Settings) { got = append(got, s) })

	_, err := svc.Update(ctx, types.SettingsPatch{AllFrames: boolPtr(false)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].AllFrames)

	store.SaveErr = errors.New("disk full")
	_, err = svc.Update(ctx, types.SettingsPatch{AllFrames: boolPtr(true)})
	require.Error(t, err)
	assert.Len(t, got, 1, "a failed write should not be announced")
}

func TestAddToWhitelist_Idempotent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	d, added, err := svc.AddToWhitelist(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)
	assert.True(t, added)

	d, added, err = svc.AddToWhitelist(ctx, "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)
	assert.False(t, added)

	assert.Equal(t, []string{"example.com"}, svc.Get().Whitelist)
	assert.Equal(t, 1, store.Saves())
}

func TestAddToWhitelist_Malformed(t *testing.T) {
	svc, _ := newService(t)
	for _, raw := range []string{"", "com", "not a domain!"} {
		_, _, err := svc.AddToWhitelist(context.Background(), raw)
		var mie *types.MalformedInputError
		assert.ErrorAs(t, err, &mie, "input %q", raw)
	}
	assert.Empty(t, svc.Get().Whitelist)
}

func TestRemoveFromWhitelist(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, _, err := svc.AddToWhitelist(ctx, "example.com")
	require.NoError(t, err)
	_, _, err = svc.AddToWhitelist(ctx, "news.org")
	require.NoError(t, err)

	d, removed, err := svc.RemoveFromWhitelist(ctx, "https://www.example.com/page")
	require.NoError(t, err)
	assert.Equal(t, "example.com", d)
	assert.True(t, removed)
	assert.Equal(t, []string{"news.org"}, svc.Get().Whitelist)

	_, removed, err = svc.RemoveFromWhitelist(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReset(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Update(ctx, types.SettingsPatch{AutoEnable: boolPtr(true)})
	require.NoError(t, err)

	got, err := svc.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultSettings(), got)
	assert.Equal(t, types.DefaultSettings(), svc.Get())
}

func TestExport(t *testing.T) {
	svc, _ := newService(t)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC) }

	exp := svc.Export()
	assert.Equal(t, types.ExportFormatVersion, exp.Version)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), exp.ExportDate)

	data, err := json.Marshal(exp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"settings": {"autoEnable":false,"showNotifications":true,"trackingAlerts":true,"allFrames":true,"applySiteFixes":false,"whitelist":[]},
		"exportDate": "2026-03-01T12:00:00Z",
		"version": "2.0.0"
	}`, string(data))
}

func TestImport(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    func(s *types.Settings)
	}{
		{
			name:    "full document",
			payload: `{"settings":{"autoEnable":true,"showNotifications":false,"whitelist":["Example.com","news.org"]},"version":"2.0.0"}`,
			want: func(s *types.Settings) {
				s.AutoEnable = true
				s.ShowNotifications = false
				s.Whitelist = []string{"example.com", "news.org"}
			},
		},
		{
			name:    "truthy coercion",
			payload: `{"settings":{"autoEnable":1,"trackingAlerts":0,"allFrames":"","applySiteFixes":"yes"}}`,
			want: func(s *types.Settings) {
				s.AutoEnable = true
				s.TrackingAlerts = false
				s.AllFrames = false
				s.ApplySiteFixes = true
			},
		},
		{
			name:    "non-array whitelist dropped",
			payload: `{"settings":{"whitelist":"example.com"}}`,
			want:    func(s *types.Settings) {},
		},
		{
			name:    "entries filtered and deduplicated",
			payload: `{"settings":{"whitelist":["example.com", 42, "", "www.example.com", null, "com", "blog.dev"]}}`,
			want: func(s *types.Settings) {
				s.Whitelist = []string{"example.com", "blog.dev"}
			},
		},
		{
			name:    "unknown fields ignored",
			payload: `{"settings":{"theme":"dark","advancedDetection":true}}`,
			want:    func(s *types.Settings) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)
			got, err := svc.Import(context.Background(), []byte(tt.payload))
			require.NoError(t, err)

			want := types.DefaultSettings()
			tt.want(&want)
			assert.Equal(t, want, got)
			assert.Equal(t, want, svc.Get())
		})
	}
}

func TestImport_Malformed(t *testing.T) {
	for _, payload := range []string{
		``,
		`not json`,
		`[1,2,3]`,
		`"settings"`,
		`{}`,
		`{"settings":[]}`,
		`{"settings":"x"}`,
	} {
		t.Run(payload, func(t *testing.T) {
			svc, store := newService(t)
			_, err := svc.Import(context.Background(), []byte(payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrMalformedImport)
			assert.Equal(t, types.DefaultSettings(), svc.Get())
			assert.Equal(t, 0, store.Saves())
		})
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := newService(t)
	ctx := context.Background()
	_, err := src.Update(ctx, types.SettingsPatch{AutoEnable: boolPtr(true), ApplySiteFixes: boolPtr(true)})
	require.NoError(t, err)
	_, _, err = src.AddToWhitelist(ctx, "example.com")
	require.NoError(t, err)

	data, err := json.Marshal(src.Export())
	require.NoError(t, err)

	dst, _ := newService(t)
	got, err := dst.Import(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, src.Get(), got)
}

func TestSQLiteStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "copyguard.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	svc, err := NewService(ctx, store)
	require.NoError(t, err)
	_, _, err = svc.AddToWhitelist(ctx, "example.com")
	require.NoError(t, err)
	_, err = svc.Update(ctx, types.SettingsPatch{AutoEnable: boolPtr(true)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	s, found, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, s.AutoEnable)
	assert.Equal(t, []string{"example.com"}, s.Whitelist)
}

func TestDecodeRecord_FillsDefaults(t *testing.T) {
	s, err := decodeRecord([]byte(`{"autoEnable":true}`))
	require.NoError(t, err)
	assert.True(t, s.AutoEnable)
	assert.True(t, s.ShowNotifications)
	assert.Equal(t, []string{}, s.Whitelist)

	_, err = decodeRecord([]byte(`{`))
	assert.ErrorIs(t, err, types.ErrSettingsStore)
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, "copyguard.db", filepath.Base(DefaultPath()))
	assert.Equal(t, AppName, filepath.Base(filepath.Dir(DefaultPath())))
}
