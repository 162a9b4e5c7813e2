// Package domain derives domain keys from page URLs and normalizes whitelist entries.
package domain

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/Rorqualx/copyguard/internal/types"
)

// SpecialFunc reports whether a host is multi-tenant, so its first path
// segment belongs to the domain key.
type SpecialFunc func(host string) bool

// Info is the result of parsing a page URL.
type Info struct {
	Key  string // host, plus "/segment" for special domains
	Host string // lowercased host with "www." stripped
}

// Parse derives the domain key of a page URL.
// URLs without a host return a *types.MalformedInputError.
func Parse(rawURL string, special SpecialFunc) (Info, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return Info{}, types.NewInvalidURLError(rawURL)
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return Info{}, types.NewInvalidURLError(rawURL)
	}

	host := stripHost(u.Hostname())
	info := Info{Key: host, Host: host}

	if special != nil && special(host) {
		if seg := firstSegment(u.EscapedPath()); seg != "" {
			info.Key = host + "/" + seg
		}
	}
	return info, nil
}

// Key is Parse returning only the domain key.
func Key(rawURL string, special SpecialFunc) (string, error) {
	info, err := Parse(rawURL, special)
	if err != nil {
		return "", err
	}
	return info.Key, nil
}

var validHost = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

// Normalize turns user input ("www.Example.com", "https://example.com/x",
// "example.com:8080") into a whitelist entry. Bare public suffixes are rejected.
func Normalize(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return "", types.NewInvalidDomainError(input, "is empty")
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return "", types.NewInvalidDomainError(input, "is not a valid URL")
		}
		s = u.Hostname()
	} else {
		if i := strings.IndexAny(s, "/?#"); i >= 0 {
			s = s[:i]
		}
		if h, _, err := net.SplitHostPort(s); err == nil {
			s = h
		}
	}

	s = stripHost(s)
	if s == "" {
		return "", types.NewInvalidDomainError(input, "has no host")
	}

	if net.ParseIP(strings.Trim(s, "[]")) != nil {
		return strings.Trim(s, "[]"), nil
	}

	if len(s) > types.MaxDomainLength || !validHost.MatchString(s) {
		return "", types.NewInvalidDomainError(input, "is not a valid hostname")
	}

	if suffix, _ := publicsuffix.PublicSuffix(s); suffix == s {
		return "", types.NewInvalidDomainError(input, "is a public suffix")
	}

	return s, nil
}

// NormalizeList normalizes and de-duplicates entries, preserving first-seen
// order. Invalid entries are returned separately.
func NormalizeList(entries []string) (valid []string, rejected []string) {
	seen := make(map[string]bool, len(entries))
	valid = make([]string, 0, len(entries))
	for _, e := range entries {
		d, err := Normalize(e)
		if err != nil {
			rejected = append(rejected, e)
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		valid = append(valid, d)
	}
	return valid, rejected
}

func stripHost(h string) string {
	h = strings.ToLower(h)
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.Index(p, "/"); i >= 0 {
		p = p[:i]
	}
	return p
}
