// Package main provides the copyguard command.
//
// copyguard watches pages in headless Chromium for copy-blocking and
// clipboard tracking, and can lift those restrictions on request.
//
// Usage:
//
//	copyguard serve
//	copyguard scan <url> [--enable]
//	copyguard inspect <file|url>
//
// See --help for all available commands.
package main

func main() {
	Execute()
}
