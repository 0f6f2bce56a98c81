// Command stablebot runs the stablecoin quoting bot against Binance spot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stablebot/internal/app/bot"
	"github.com/coachpo/stablebot/internal/infra/adapters/binance"
	"github.com/coachpo/stablebot/internal/infra/config"
	"github.com/coachpo/stablebot/internal/infra/persistence/migrations"
	"github.com/coachpo/stablebot/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/stablebot/internal/infra/server/http"
	"github.com/coachpo/stablebot/internal/infra/telemetry"
	"github.com/coachpo/stablebot/internal/infra/wsconn"
)

const (
	loggerPrefix             = "stablebot "
	startupTimeout           = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	botStopTimeout           = 15 * time.Second
	streamShutdownTimeout    = 5 * time.Second
	statusServerStopTimeout  = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	statusReadHeaderTimeout  = 5 * time.Second
	journalPoolName          = "journal"
	marketStreamName         = "market"
	userStreamName           = "user"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	appCfg, err := config.Load(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, symbol=%s, testnet=%t",
		appCfg.Environment, appCfg.Bot.Symbol(), appCfg.Exchange.Testnet)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	registry := newRegistry()

	pool, journal, err := initJournal(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise order journal: %v", err)
	}

	client, err := binance.NewClient(binance.Options{Config: exchangeConfig(appCfg.Exchange), Logger: logger})
	if err != nil {
		logger.Fatalf("initialise binance client: %v", err)
	}
	streamBase := client.Options().StreamBaseURL()
	market := binance.NewMarketStream(streamConfig(streamBase, marketStreamName, appCfg.Streams, logger))
	user := binance.NewUserStream(client, binance.UserStreamConfig{
		StreamConfig:                streamConfig(streamBase, userStreamName, appCfg.Streams, logger),
		RenewInterval:               appCfg.Streams.ListenKeyRenewInterval,
		CloseListenKeyOnUnsubscribe: appCfg.Streams.CloseListenKeyOnUnsubscribe,
	})

	opts := bot.Options{
		Config:     botConfig(appCfg.Bot),
		Exchange:   client,
		Market:     market,
		User:       user,
		Logger:     logger,
		Registerer: registry,
	}
	if journal != nil {
		opts.Journal = journal
	}
	quoter, err := bot.New(opts)
	if err != nil {
		logger.Fatalf("initialise bot: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	err = quoter.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Printf("bot start failed: %v", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		performGracefulShutdown(stopCtx, logger, gracefulShutdownConfig{
			bot:       quoter,
			streams:   []shutdowner{market, user},
			pool:      pool,
			telemetry: telemetryProvider,
		})
		stopCancel()
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	var statusServer *http.Server
	if appCfg.StatusServer.Addr != "" {
		statusOpts := httpserver.Options{
			Environment: appCfg.Environment,
			Bot:         quoter,
			Gatherer:    registry,
		}
		if journal != nil {
			statusOpts.Journal = journal
		}
		statusServer = buildStatusServer(appCfg.StatusServer, statusOpts)
		startStatusServer(&lifecycle, logger, statusServer)
		logger.Printf("status server listening on %s", statusServer.Addr)
	}

	logger.Print("stablebot started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		bot:        quoter,
		streams:    []shutdowner{market, user},
		server:     statusServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to bot configuration file (default: %s)", config.DefaultPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(config.DefaultPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func initJournal(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*pgxpool.Pool, *postgres.Journal, error) {
	if !cfg.Enabled {
		logger.Print("order journal disabled")
		return nil, nil, nil
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, "", logger); err != nil {
			return nil, nil, err
		}
	}
	pool, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, journalPoolName); err != nil {
		logger.Printf("journal pool metrics: %v", err)
	}
	logger.Printf("order journal enabled: maxConns=%d", cfg.MaxConns)
	return pool, postgres.NewJournal(pool), nil
}

func exchangeConfig(cfg config.ExchangeConfig) binance.Config {
	return binance.Config{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		Testnet:           cfg.Testnet,
		RESTBaseURL:       cfg.RESTBaseURL,
		WSBaseURL:         cfg.WSBaseURL,
		HTTPTimeout:       cfg.HTTPTimeout,
		RecvWindow:        cfg.RecvWindow,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	}
}

func streamConfig(baseURL, name string, cfg config.StreamsConfig, logger *log.Logger) binance.StreamConfig {
	return binance.StreamConfig{
		BaseURL: baseURL,
		Logger:  logger,
		Session: wsconn.Config{
			Name:                 name,
			MaxReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectInterval:    cfg.ReconnectInterval,
			SendRetryInterval:    cfg.SendRetryInterval,
			Logger:               logger,
		},
	}
}

func botConfig(cfg config.BotConfig) bot.Config {
	return bot.Config{
		BaseAsset:             cfg.BaseAsset,
		QuoteAsset:            cfg.QuoteAsset,
		BuyPriceLimit:         cfg.BuyPriceLimit,
		SellUsingLastBuyPrice: cfg.SellUsingLastBuyPrice,
		MinBaseQuantity:       cfg.MinBaseQuantity,
		MinQuoteQuantity:      cfg.MinQuoteQuantity,
		PriceStep:             cfg.PriceStep,
		PricePrecision:        cfg.PricePrecision,
		CancelOnStop:          cfg.CancelOnShutdown,
	}
}

func buildStatusServer(cfg config.StatusServerConfig, opts httpserver.Options) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(opts),
		ReadHeaderTimeout: statusReadHeaderTimeout,
	}
}

func startStatusServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("status server: %v", err)
		}
	})
}

type stopper interface {
	Stop(ctx context.Context) error
}

type shutdowner interface {
	Shutdown()
}

type gracefulShutdownConfig struct {
	bot        stopper
	streams    []shutdowner
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops the bot before its streams so unsubscribe
// frames still have a live connection to travel on.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout: %w", stepCtx.Err())
		}
	}

	if cfg.bot != nil {
		shutdownStep("stopping bot", botStopTimeout, cfg.bot.Stop)
	}

	if len(cfg.streams) > 0 {
		shutdownStep("closing streams", streamShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, func() {
				for _, s := range cfg.streams {
					s.Shutdown()
				}
			})
		})
	}

	if cfg.server != nil {
		shutdownStep("stopping status server", statusServerStopTimeout, cfg.server.Shutdown)
	}

	if cfg.mainCancel != nil {
		logger.Print("shutdown: cancelling main context")
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.pool != nil {
		logger.Print("shutdown: closing journal pool")
		cfg.pool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
