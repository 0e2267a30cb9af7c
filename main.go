package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/api"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/database"
	"futures-listing-bot/internal/engine"
	"futures-listing-bot/internal/monitor"
	"futures-listing-bot/internal/scheduler"
	"futures-listing-bot/internal/vault"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration failed")
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Msg("starting futures listing bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting to vault failed")
		}
		creds, err := vaultClient.GetCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("loading exchange credentials from vault failed")
		}
		cfg.BinanceConfig.APIKey = creds.APIKey
		cfg.BinanceConfig.SecretKey = creds.SecretKey
		logger.Info().Msg("exchange credentials loaded from vault")
	}
	if cfg.BinanceConfig.APIKey == "" || cfg.BinanceConfig.SecretKey == "" {
		logger.Fatal().Msg("exchange credentials are not configured")
	}

	db, err := database.NewDB(ctx, cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to database failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("running migrations failed")
	}

	planRepo := database.NewPlanRepository(db)
	positionRepo := database.NewPositionRepository(db)
	logRepo := database.NewExecutionLogRepository(db)

	gateway := binance.NewClient(cfg.BinanceConfig, logger)

	var stream *binance.PriceStream
	if cfg.BinanceConfig.WSPriceEnabled {
		stream = binance.NewPriceStream(cfg.BinanceConfig.WSBaseURL, logger)

		// Seed the stream with symbols that still matter.
		var symbols []string
		if active, err := positionRepo.ActivePositions(ctx); err == nil {
			for _, pos := range active {
				symbols = append(symbols, pos.Symbol)
			}
		}
		stream.Start(symbols)
		defer stream.Stop()
	}

	executor := engine.NewExecutor(gateway, streamOrNil(stream), positionRepo, logRepo, cfg.TradingConfig, logger)
	closer := monitor.NewCloser(gateway, positionRepo, logRepo, planRepo, streamControlOrNil(stream), logger)
	reconciler := monitor.NewReconciler(gateway, positionRepo, logRepo, planRepo, closer, subscriberOrNil(stream), cfg.TradingConfig, logger)

	sched := scheduler.New(cfg.SchedulerConfig, planRepo, executor, nil, reconciler, subscriberOrNil(stream), logger)
	positionMonitor := monitor.New(gateway, monitorStreamOrNil(stream), positionRepo, closer, sched.MonitorPool(), logger)
	sched.SetMonitor(positionMonitor)

	// One reconciliation pass before the loops start so state left over from
	// a crash is settled first.
	if err := reconciler.RunOnce(ctx); err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
	}

	sched.Start(ctx)
	defer sched.Stop()

	handlers := api.NewHandlers(planRepo, positionRepo, logRepo, gateway, streamViewOrNil(stream), cfg.TradingConfig, logger)
	server := api.NewServer(*cfg, handlers, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// The nil adapters below keep typed-nil interface values out of the
// components when the stream is disabled.

func streamOrNil(s *binance.PriceStream) engine.PriceSource {
	if s == nil {
		return nil
	}
	return s
}

func streamControlOrNil(s *binance.PriceStream) monitor.StreamControl {
	if s == nil {
		return nil
	}
	return s
}

func subscriberOrNil(s *binance.PriceStream) monitor.Subscriber {
	if s == nil {
		return nil
	}
	return s
}

func monitorStreamOrNil(s *binance.PriceStream) monitor.Stream {
	if s == nil {
		return nil
	}
	return s
}

func streamViewOrNil(s *binance.PriceStream) api.StreamView {
	if s == nil {
		return nil
	}
	return s
}
