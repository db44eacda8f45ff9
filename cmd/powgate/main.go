package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"powgate/internal/challenge"
	"powgate/internal/config"
	"powgate/internal/gate"
	"powgate/internal/httputil"
	"powgate/internal/metrics"
	"powgate/internal/proxy"
	"powgate/internal/render"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides POWGATE_CONFIG env var)")
	checkOnly := flag.Bool("check-config", false, "validate the config and exit")
	flag.Parse()

	// CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("POWGATE_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", cfgPath).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	mod, routes, err := cfg.Build()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid gate config")
	}

	rotator := setupLogging(cfg.Logging)

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Int("trusted_proxies", len(cfg.Server.TrustedProxyCIDRs)).
		Msg("server configuration")
	log.Info().
		Str("variant", cfg.Gate.Variant).
		Str("mode", cfg.Gate.Mode).
		Bool("enable", cfg.Gate.Enable.Resolve()).
		Bool("header_fallback", cfg.Gate.AllowHeaderFallback).
		Str("cookie", cfg.Gate.CookieName).
		Uint16("difficulty_bits", mod.DifficultyBits()).
		Dur("ttl", mod.TTL()).
		Int("routes", len(routes.Routes())).
		Msg("gate configuration")

	if *checkOnly {
		log.Info().Msg("config ok")
		return
	}

	scheme, err := challenge.NewScheme(mod.Secret())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create challenge scheme")
	}
	page, err := render.LoadPage(cfg.Gate.PageTemplate, cfg.Gate.CookieName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load challenge page")
	}
	engine, err := gate.NewEngine(mod, scheme, page)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gate engine")
	}
	proxyHandler, err := proxy.NewHandler(cfg.Proxy, routes, engine)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create proxy handler")
	}

	metrics.MustRegister()

	mux := http.NewServeMux()
	mux.Handle("/healthz", withCommonHeaders(http.HandlerFunc(handleHealth)))
	mux.Handle("/metrics", withCommonHeaders(promhttp.Handler()))
	mux.Handle("/admin/stats", withCommonHeaders(http.HandlerFunc(handleAdminStats)))
	mux.Handle("/", proxyHandler)

	var ipKey []byte
	if cfg.Logging.AnonymizeClientIP {
		ipKey = mod.Secret()
	}
	handler := httputil.RequestIDMiddlewareWithIPKey(log.Logger, cfg.Server.TrustedProxyCIDRs, ipKey)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("powgate listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if err := proxyHandler.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("proxy shutdown error")
		}
		log.Info().Msg("shutdown complete")
		if rotator != nil {
			rotator.Close()
		}
	}
}

// setupLogging configures the global logger. Debug and trace levels use the
// console writer on stdout; a log file, when configured, always gets JSON.
func setupLogging(cfg config.LoggingCfg) *lumberjack.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var stdout io.Writer = os.Stdout
	if lvl <= zerolog.DebugLevel {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	if cfg.File == "" {
		log.Logger = log.Output(stdout)
		return nil
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(stdout, rotator))
	return rotator
}
