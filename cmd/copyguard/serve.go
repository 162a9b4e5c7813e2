package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on http.DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/copyguard/internal/config"
	"github.com/Rorqualx/copyguard/internal/handlers"
	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/internal/middleware"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the copyguard API server",
		Long: `Serve starts the browser pool and the JSON API on /v1.

Configuration comes from environment variables (HOST, PORT,
BROWSER_POOL_SIZE, MAX_TABS, PATTERNS_PATH, WEBHOOK_URL, ...). Flags
override the matching variables.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Listen address (overrides HOST)")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides PORT)")
	cmd.Flags().Int("pool-size", 0, "Browser pool size (overrides BROWSER_POOL_SIZE)")
	cmd.Flags().String("patterns", "", "External patterns file (overrides PATTERNS_PATH)")
	cmd.Flags().Bool("headful", false, "Show browser windows")

	return cmd
}

// applyServeFlags copies explicitly set flags onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("pool-size") {
		cfg.BrowserPoolSize, _ = flags.GetInt("pool-size")
	}
	if flags.Changed("patterns") {
		cfg.PatternsPath, _ = flags.GetString("patterns")
	}
	if headful, _ := flags.GetBool("headful"); headful {
		cfg.Headless = false
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
}

// buildHandler wraps the API handler in the middleware chain. The returned
// closer stops the rate limiter.
func buildHandler(cfg *config.Config, api http.Handler) (http.Handler, func()) {
	chain := []middleware.Middleware{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.APIKey(cfg),
	}

	closer := func() {}
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rl := middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		chain = append(chain, middleware.ExceptOpen(rl.Handler()))
		closer = rl.Close
	}

	// The handler applies shorter per-command deadlines under this one.
	chain = append(chain, middleware.ExceptOpen(middleware.Timeout(cfg.MaxTimeout+5*time.Second)))

	return middleware.Chain(chain...)(api), closer
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	applyServeFlags(cmd, cfg)
	setupLogging(cfg.LogLevel, os.Stderr)
	cfg.Validate()

	printBanner()

	eng, err := newEngine(cmdContext(cmd), cfg, nil)
	if err != nil {
		return err
	}

	api := handlers.New(cfg, eng.tabs, eng.coord, eng.settings, eng.patterns)
	handler, closeLimiter := buildHandler(cfg, api)
	defer closeLimiter()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.PrometheusPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:              pprofAddr,
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
		}

		go func() {
			log.Warn().Str("addr", pprofAddr).Msg("pprof profiling server started - exposes runtime internals, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_size", cfg.BrowserPoolSize).
			Int("max_tabs", cfg.MaxTabs).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Msg("Copyguard is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info().Msg("Shutting down...")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	if err := eng.close(); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}

	log.Info().Msg("Shutdown complete")
	return runErr
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
  ___ ___  _ __  _   _  __ _ _   _  __ _ _ __ __| |
 / __/ _ \| '_ \| | | |/ _' | | | |/ _' | '__/ _' |
| (_| (_) | |_) | |_| | (_| | |_| | (_| | | | (_| |
 \___\___/| .__/ \__, |\__, |\__,_|\__,_|_|  \__,_|
          |_|    |___/ |___/
`
	fmt.Fprintln(os.Stderr, banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting copyguard")
}
