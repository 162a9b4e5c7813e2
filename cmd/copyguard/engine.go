package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/browser"
	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/coordinator"
	"github.com/Rorqualx/copyguard/internal/detector"
	"github.com/Rorqualx/copyguard/internal/notify"
	"github.com/Rorqualx/copyguard/internal/patterns"
	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/internal/settings"
	"github.com/Rorqualx/copyguard/internal/tabs"
	"github.com/Rorqualx/copyguard/internal/types"
)

// engine is the set of long-lived components behind serve and scan.
type engine struct {
	cfg      *config.Config
	patterns *patterns.Manager
	store    settings.Store
	settings *settings.Service
	coord    *coordinator.Coordinator
	pool     *browser.Pool
	tabs     *tabs.Manager
	cancel   context.CancelFunc
}

// newEngine builds every component from cfg. store may be nil to open the
// configured SQLite database.
func newEngine(ctx context.Context, cfg *config.Config, store settings.Store) (*engine, error) {
	e := &engine{cfg: cfg}

	pats, err := patterns.NewManager(cfg.PatternsPath, cfg.PatternsHotReload)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	e.patterns = pats

	if store == nil {
		db, err := settings.OpenSQLite(ctx, cfg.SettingsDBPath)
		if err != nil {
			_ = e.close()
			return nil, err
		}
		log.Info().Str("path", db.Path()).Msg("Settings database opened")
		store = db
	}
	e.store = store

	svc, err := settings.NewService(ctx, store)
	if err != nil {
		_ = e.close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	e.settings = svc

	special := func(host string) bool { return pats.Get().IsSpecialDomain(host) }

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.coord = coordinator.New(svc, buildNotifier(cfg),
		coordinator.WithSpecialDomains(special),
		coordinator.WithConfig(coordinator.Config{
			WhitelistDelay: cfg.WhitelistSettleDelay,
			Retention:      cfg.StateRetention,
			SweepInterval:  cfg.StateSweepInterval,
		}),
	)
	e.coord.Start(runCtx)

	log.Info().Int("size", cfg.BrowserPoolSize).Msg("Initializing browser pool...")
	pool, err := browser.NewPool(cfg)
	if err != nil {
		_ = e.close()
		return nil, fmt.Errorf("initialize browser pool: %w", err)
	}
	e.pool = pool

	factory := tabs.PoolFactory(pool, browser.PageOptions{
		Stealth:    cfg.StealthEnabled,
		BlockMedia: cfg.BlockMedia,
	})
	e.tabs = tabs.NewManager(cfg, factory, tabs.Deps{
		Patterns: pats,
		Settings: svc,
		Sender:   e.coord,
		Special:  special,
		Debounce: cfg.DebounceWindow,
		Detector: detector.DefaultConfig(),
	}, e.coord.TabClosed)
	e.coord.Attach(e.tabs)

	// New-document scripts embed allFrames and the event lists; open tabs
	// re-register them so later navigations see the change.
	svc.OnChange(func(types.Settings) { go e.tabs.RefreshScripts(runCtx) })
	pats.OnReload(func(*patterns.Registry) { go e.tabs.RefreshScripts(runCtx) })

	return e, nil
}

// buildNotifier returns the log notifier, plus the webhook when configured.
func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.WebhookURL == "" {
		return notify.LogNotifier{}
	}

	headers := cfg.WebhookHeaderMap()
	if err := security.ValidateWebhookHeaders(headers); err != nil {
		log.Warn().Err(err).Msg("Ignoring WEBHOOK_HEADERS")
		headers = nil
	}
	log.Info().Str("url", security.RedactURL(cfg.WebhookURL)).Msg("Webhook notifications enabled")

	return notify.Multi{
		notify.LogNotifier{},
		notify.NewWebhook(notify.WebhookConfig{
			URL:      cfg.WebhookURL,
			Timeout:  cfg.WebhookTimeout,
			Headers:  headers,
			RetryMax: cfg.WebhookRetryMax,
		}),
	}
}

// close shuts components down in reverse order of construction.
func (e *engine) close() error {
	var errs []error
	if e.tabs != nil {
		if err := e.tabs.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("tabs: %w", err))
		}
	}
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("browser pool: %w", err))
		}
	}
	if e.cancel != nil {
		e.cancel()
		e.coord.Wait()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("settings store: %w", err))
		}
	}
	if e.patterns != nil {
		if err := e.patterns.Close(); err != nil {
			errs = append(errs, fmt.Errorf("patterns: %w", err))
		}
	}
	return errors.Join(errs...)
}
