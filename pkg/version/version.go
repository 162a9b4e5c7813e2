// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/copyguard/pkg/version.Version=1.0.0"
package version

import "runtime"

// Version is the application version, set at build time.
var Version = "dev"

// Commit is the VCS revision, set at build time.
var Commit = ""

// BrowserUserAgent is the user agent presented by managed tabs.
var BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// Full returns the full version string.
func Full() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}

// UserAgent identifies copyguard in outbound HTTP requests.
func UserAgent() string {
	return "copyguard/" + Full()
}
