package tabs

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/copyguard/internal/browser"
	"github.com/Rorqualx/copyguard/internal/probe"
)

// rodPage adapts a browser.Page to Page.
type rodPage struct {
	page *browser.Page

	mu      sync.Mutex
	bound   bool
	removes []func() error
}

// Eval evaluates a function expression, awaiting promises, and returns its
// JSON value.
func (p *rodPage) Eval(ctx context.Context, js string) (gson.JSON, error) {
	res, err := p.page.Context(ctx).Evaluate(rod.Eval(js).ByPromise())
	if err != nil {
		return gson.New(nil), err
	}
	return res.Value, nil
}

func (p *rodPage) Install(ctx context.Context, scripts ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	page := p.page.Context(ctx)
	if !p.bound {
		if err := (proto.RuntimeAddBinding{Name: probe.BindingName}).Call(page); err != nil {
			return fmt.Errorf("add binding: %w", err)
		}
		p.bound = true
	}

	for _, remove := range p.removes {
		if err := remove(); err != nil {
			log.Debug().Err(err).Msg("Failed to remove new-document script")
		}
	}
	p.removes = p.removes[:0]

	// The remove funcs run on a later call; they must outlive ctx.
	keep := p.page.Context(context.WithoutCancel(ctx))
	for _, js := range scripts {
		remove, err := keep.EvalOnNewDocument(js)
		if err != nil {
			return fmt.Errorf("add new-document script: %w", err)
		}
		p.removes = append(p.removes, remove)
	}
	return nil
}

// Listen subscribes to the page events a Tab needs. rod enables the Runtime
// and Page domains for the subscription.
func (p *rodPage) Listen(ctx context.Context, h EventHandler) {
	page := p.page.Context(ctx)
	mainFrame := p.page.FrameID

	wait := page.EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			h.HandleBinding(e.Name, e.Payload)
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame != nil && e.Frame.ParentID == "" {
				h.HandleNavigated(e.Frame.URL)
			}
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID == mainFrame {
				h.HandleSameDocument(e.URL)
			}
		},
	)
	go func() {
		wait()
		log.Debug().Msg("Tab event loop stopped")
	}()
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	if err := p.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
