package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/pkg/version"
)

// PageOptions controls how a tab page is created.
type PageOptions struct {
	// Stealth creates the page through go-rod/stealth.
	Stealth bool
	// BlockMedia drops images, fonts and media. Stylesheets always load.
	BlockMedia bool
	// UserAgent overrides version.BrowserUserAgent when set.
	UserAgent string
}

// Page is a created page plus the teardown for anything attached to it.
type Page struct {
	*rod.Page
	cleanup []func()
}

// Close stops the request router, if any, and closes the page.
func (p *Page) Close() error {
	for _, fn := range p.cleanup {
		fn()
	}
	p.cleanup = nil
	return p.Page.Close()
}

// NewPage opens an about:blank page in b configured per opts.
func NewPage(ctx context.Context, b *rod.Browser, opts PageOptions) (*Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if opts.Stealth {
		page, err = stealth.Page(b.Context(ctx))
	} else {
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = version.BrowserUserAgent
	}
	if err := (proto.NetworkSetUserAgentOverride{UserAgent: ua, AcceptLanguage: "en-US,en;q=0.9"}).Call(page); err != nil {
		log.Warn().Err(err).Msg("Failed to set user agent")
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1920,
		Height:            1080,
		DeviceScaleFactor: 1,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to set viewport")
	}

	p := &Page{Page: page}
	if opts.BlockMedia {
		p.cleanup = append(p.cleanup, blockMedia(page))
		log.Debug().Msg("Media blocking enabled")
	}
	return p, nil
}

// blockMedia hijacks every request and fails the ones shouldBlock selects.
func blockMedia(page *rod.Page) func() {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()

	return func() {
		if err := router.Stop(); err != nil {
			log.Debug().Err(err).Msg("Failed to stop request router")
		}
	}
}

// shouldBlock reports whether a resource type is dropped by media blocking.
// Stylesheets are kept: CSS blocking detection reads them.
func shouldBlock(t proto.NetworkResourceType) bool {
	switch t {
	case proto.NetworkResourceTypeImage,
		proto.NetworkResourceTypeFont,
		proto.NetworkResourceTypeMedia:
		return true
	}
	return false
}
