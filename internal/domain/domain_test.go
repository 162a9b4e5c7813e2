package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/types"
)

func special() SpecialFunc {
	return patterns.Get().IsSpecialDomain
}

func TestKey(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.example.com/foo/bar", "example.com"},
		{"https://claude.ai/chat/123", "claude.ai/chat"},
		{"https://claude.ai/", "claude.ai"},
		{"https://claude.ai", "claude.ai"},
		{"https://github.com/golang/go/issues", "github.com/golang"},
		{"https://WWW.GitHub.com/Org/repo", "github.com/Org"},
		{"http://news.example.com:8080/a?b=c", "news.example.com"},
		{"https://example.com./x", "example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := Key(tt.url, special())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyRejectsUnparseable(t *testing.T) {
	for _, raw := range []string{"not a url", "", "   ", "/relative/path", "mailto:", "https://"} {
		_, err := Key(raw, special())
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, types.ErrInvalidURL), "expected ErrInvalidURL for %q", raw)

		var mi *types.MalformedInputError
		assert.True(t, errors.As(err, &mi))
	}
}

func TestParseHostIgnoresSpecialSegment(t *testing.T) {
	info, err := Parse("https://www.claude.ai/project/42", special())
	require.NoError(t, err)
	assert.Equal(t, "claude.ai/project", info.Key)
	assert.Equal(t, "claude.ai", info.Host)
}

func TestParseWithoutSpecialFunc(t *testing.T) {
	got, err := Key("https://claude.ai/chat/1", nil)
	require.NoError(t, err)
	assert.Equal(t, "claude.ai", got)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "example.com"},
		{"www.example.com", "example.com"},
		{"  WWW.Example.COM  ", "example.com"},
		{"https://www.example.com/some/path", "example.com"},
		{"example.com/path?q=1", "example.com"},
		{"example.com:8443", "example.com"},
		{"sub.example.co.uk", "sub.example.co.uk"},
		{"127.0.0.1", "127.0.0.1"},
		{"http://127.0.0.1:8080/", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{"", "com", "co.uk", "www.com", "exa mple.com", "-bad.com", "https://", "bad_host.com"} {
		_, err := Normalize(in)
		assert.Error(t, err, in)
		assert.True(t, errors.Is(err, types.ErrInvalidDomain), "expected ErrInvalidDomain for %q", in)
	}
}

func TestNormalizeList(t *testing.T) {
	valid, rejected := NormalizeList([]string{"example.com", "www.example.com", "", "com", "Other.org"})
	assert.Equal(t, []string{"example.com", "other.org"}, valid)
	assert.Equal(t, []string{"", "com"}, rejected)
}
