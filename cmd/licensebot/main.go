package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"keyconnect/internal/clock"
	"keyconnect/internal/config"
	"keyconnect/internal/httpapi"
	"keyconnect/internal/license"
	"keyconnect/internal/logging"
	"keyconnect/internal/metrics"
	"keyconnect/internal/store"
	"keyconnect/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "licensebot")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("licensebot stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := openStore(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store opened")

	clk := clock.System{}
	names := make([]string, 0, len(license.Outcomes()))
	for _, o := range license.Outcomes() {
		names = append(names, o.String())
	}
	mt := metrics.New(reg, names)

	validator := license.NewValidator(st, clk, logger)
	manager := license.NewManager(st, clk, logger)

	if cfg.SeedSeller.Enabled() {
		seedCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		seller, created, err := manager.EnsureSeller(seedCtx, license.SellerInput{
			Slug:     cfg.SeedSeller.Slug,
			Username: cfg.SeedSeller.Username,
			Password: cfg.SeedSeller.Password,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("seed seller: %w", err)
		}
		logger.Info().Str("seller", seller.Slug).Bool("created", created).Msg("seed seller ready")
	}

	api := httpapi.New(validator, manager, mt, clk, logger, httpapi.Options{
		StoreTimeout: cfg.StoreTimeout,
		ConnectRPS:   cfg.ConnectRPS,
		ConnectBurst: cfg.ConnectBurst,
	})
	servers := []*http.Server{{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if cfg.MetricsAddr != "" {
		servers = append(servers, metrics.NewServer(cfg.MetricsAddr, reg))
	}

	// Everything that can fail is built before the first listener starts.
	var bot *telegram.Bot
	if cfg.BotEnabled() {
		bot, err = telegram.NewBot(cfg.BotToken, cfg.AdminChatID, manager, cfg.StoreTimeout, logger)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
	} else {
		logger.Warn().Msg("LICENSEBOT_BOT_TOKEN not set, operator bot disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	if bot != nil {
		g.Go(func() error { return bot.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Str("addr", srv.Addr).Msg("http shutdown failed")
			}
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		metrics.RegisterPgxPoolMetrics(reg, st.Pool())
		return st, nil
	default:
		st, err := store.OpenBBolt(cfg.DBPath, cfg.DBOpenTimeout)
		if err != nil {
			return nil, fmt.Errorf("open bbolt: %w", err)
		}
		metrics.RegisterBBoltMetrics(reg, st.DB())
		return st, nil
	}
}
