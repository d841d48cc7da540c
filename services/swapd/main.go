package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"satsbridge/observability"
	"satsbridge/observability/logging"
	telemetry "satsbridge/observability/otel"
	"satsbridge/services/swapd/adapters"
	"satsbridge/services/swapd/breaker"
	"satsbridge/services/swapd/config"
	"satsbridge/services/swapd/events"
	"satsbridge/services/swapd/fiat"
	"satsbridge/services/swapd/idempotency"
	"satsbridge/services/swapd/lightning"
	"satsbridge/services/swapd/oracle"
	"satsbridge/services/swapd/quote"
	"satsbridge/services/swapd/recon"
	"satsbridge/services/swapd/retry"
	"satsbridge/services/swapd/server"
	"satsbridge/services/swapd/storage"
	"satsbridge/services/swapd/swap"
)

type settlement interface {
	lightning.Client
	lightning.Receiver
}

func main() {
	var (
		cfgPath                       string
		allowInsecureBearerWithoutTLS bool
	)
	flag.StringVar(&cfgPath, "config", "services/swapd/config.yaml", "path to swapd configuration file")
	flag.BoolVar(&allowInsecureBearerWithoutTLS, "allow-insecure-bearer-without-tls", false, "allow admin bearer authentication without TLS (dev only)")
	flag.Parse()

	var loadOptions []config.Option
	if allowInsecureBearerWithoutTLS {
		loadOptions = append(loadOptions, config.WithAllowInsecureBearerWithoutTLS())
	}
	cfg, err := config.Load(cfgPath, loadOptions...)
	if err != nil {
		log.Fatalf("swapd: load config: %v", err)
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("SWAPD_ENV"))
	}
	if allowInsecureBearerWithoutTLS && env != "dev" {
		log.Fatalf("swapd: --allow-insecure-bearer-without-tls requires environment dev")
	}
	logOpts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Log.Level))}
	if cfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger := logging.Setup("swapd", env, logOpts...)
	if allowInsecureBearerWithoutTLS {
		logger.Warn("allowing admin bearer token without TLS (development override)")
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("swapd", env))
	if err != nil {
		log.Fatalf("swapd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(storage.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		log.Fatalf("swapd: open storage: %v", err)
	}
	defer store.Close()

	deliveries, err := idempotency.OpenDeliveryLog(cfg.DeliveriesPath)
	if err != nil {
		log.Fatalf("swapd: open delivery log: %v", err)
	}
	defer deliveries.Close()

	registry := adapters.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Quote.Sources))
	for _, src := range cfg.Quote.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Rate, src.Assets)
		if err != nil {
			log.Fatalf("swapd: build source %s: %v", src.Name, err)
		}
		sources = append(sources, built)
	}
	pairs := make([]oracle.Pair, 0, len(cfg.Quote.Pairs))
	fiatCurrencies := make([]string, 0, len(cfg.Quote.Pairs))
	for _, pair := range cfg.Quote.Pairs {
		pairs = append(pairs, oracle.Pair{Base: pair.Base, Quote: pair.Quote})
		fiatCurrencies = append(fiatCurrencies, pair.Quote)
	}
	book := oracle.NewBook(cfg.Quote.Oracle.MaxAge.Duration, cfg.Quote.Oracle.MaxDeviation, cfg.Quote.Oracle.JumpBreaker)
	mgr, err := oracle.NewManager(store, book, sources, pairs,
		cfg.Quote.Oracle.Interval.Duration, cfg.Quote.Oracle.MaxAge.Duration, cfg.Quote.Oracle.MinFeeds,
		oracle.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: oracle manager: %v", err)
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout.Duration,
	}, breaker.WithMetrics(observability.Breakers()))

	quotes, err := quote.NewService(book, store, quote.Config{
		TTL:    cfg.Quote.TTL.Duration,
		FeeBps: cfg.Quote.FeeBps,
		Fiat:   fiatCurrencies,
	}, quote.WithBreaker(breakers.Get("rates")))
	if err != nil {
		log.Fatalf("swapd: quote service: %v", err)
	}

	fiatClient, err := fiat.NewHTTPClient(fiat.HTTPConfig{
		BaseURL:           cfg.Fiat.BaseURL,
		APIKey:            cfg.Fiat.APIKey,
		PublishableKey:    cfg.Fiat.PublishableKey,
		RequestsPerSecond: cfg.Fiat.RequestsPerSecond,
		Burst:             cfg.Fiat.Burst,
		Timeout:           cfg.Fiat.Timeout.Duration,
	})
	if err != nil {
		log.Fatalf("swapd: fiat client: %v", err)
	}

	ln, closeLN, err := openSettlement(cfg, logger)
	if err != nil {
		log.Fatalf("swapd: lightning backend: %v", err)
	}
	defer closeLN()

	bus := events.NewBus()
	engine, err := swap.NewEngine(swap.Deps{
		Store:     store,
		Quotes:    quotes,
		Fiat:      fiatClient,
		Lightning: ln,
		Breakers:  breakers,
		Publisher: bus,
	}, swap.Config{
		MaxRetries:           cfg.Swap.MaxRetries,
		ProcessingTimeout:    cfg.Swap.ProcessingTimeout.Duration,
		SweepBatch:           cfg.Swap.SweepBatch,
		RefreshExpiredQuotes: cfg.Swap.RefreshExpiredQuotes,
		Retry: retry.Policy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay.Duration,
		},
	}, swap.WithLogger(logger))
	if err != nil {
		log.Fatalf("swapd: swap engine: %v", err)
	}
	engine.Subscribe(bus)
	ledger := swap.NewStoreLedger(store, logger)
	ledger.Subscribe(bus)
	bus.Subscribe(events.TopicSwapStatusChange, func(_ context.Context, ev events.Event) error {
		if change, ok := ev.(events.SwapStatusChangeEvent); ok {
			logger.Info("swap status changed",
				slog.String("swap_id", change.Payload.SwapTracker),
				slog.String("status", change.Payload.SwapStatus),
				slog.Bool("refundable", change.Payload.Refundable))
		}
		return nil
	})

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
	})
	if err != nil {
		log.Fatalf("swapd: configure admin auth: %v", err)
	}
	tlsConfig, err := adminTLS(cfg.Admin)
	if err != nil {
		log.Fatalf("swapd: admin tls: %v", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		WebhookSecret: cfg.Fiat.WebhookSecret,
		TLS: server.TLSConfig{
			Disabled: !cfg.Admin.TLSEnabled(),
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, server.Deps{
		Engine:     engine,
		Deliveries: deliveries,
		Audit:      store,
		Ledger:     ledger,
		Auth:       authenticator,
		Ping:       store.Ping,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("swapd: server: %v", err)
	}

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Sweeper:  engine,
		Pruner:   deliveries,
		Interval: cfg.Swap.SweepInterval.Duration,
		Logger:   logger,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager exited", slog.String("error", err.Error()))
			stop()
		}
	}()
	go func() {
		if err := ln.Run(rootCtx, bus); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("lightning receive watcher exited", slog.String("error", err.Error()))
			stop()
		}
	}()
	go scheduler.Start(rootCtx)

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("swapd stopped")
}

// openSettlement builds the configured lightning backend. Offramp invoices
// expire with the processing timeout so an unpaid invoice and its swap lapse
// together.
func openSettlement(cfg config.Config, logger *slog.Logger) (settlement, func(), error) {
	expiry := cfg.Swap.ProcessingTimeout.Duration
	switch strings.ToLower(cfg.Lightning.Backend) {
	case "lnd":
		client, err := lightning.DialLND(lightning.LNDConfig{
			Host:          cfg.Lightning.LND.Host,
			TLSCertPath:   cfg.Lightning.LND.TLSCertPath,
			MacaroonPath:  cfg.Lightning.LND.MacaroonPath,
			PayTimeout:    cfg.Lightning.LND.PayTimeout.Duration,
			FeeLimitSats:  cfg.Lightning.LND.FeeLimitSats,
			InvoiceExpiry: expiry,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	default:
		client, err := lightning.NewFedimintClient(lightning.FedimintConfig{
			BaseURL:       cfg.Lightning.Fedimint.BaseURL,
			Password:      cfg.Lightning.Fedimint.Password,
			FederationID:  cfg.Lightning.Fedimint.FederationID,
			GatewayID:     cfg.Lightning.Fedimint.GatewayID,
			Timeout:       cfg.Lightning.Fedimint.Timeout.Duration,
			AwaitTimeout:  cfg.Lightning.Fedimint.AwaitTimeout.Duration,
			StatusTimeout: cfg.Lightning.Fedimint.StatusTimeout.Duration,
			InvoiceExpiry: expiry,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}
}

func adminTLS(cfg config.AdminConfig) (*tls.Config, error) {
	if !cfg.TLSEnabled() {
		return nil, nil
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}
	caData, err := os.ReadFile(cfg.MTLS.ClientCAPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("parse client CA " + cfg.MTLS.ClientCAPath)
	}
	tlsConfig.ClientCAs = pool
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	return tlsConfig, nil
}
