package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/config"
	"github.com/eddiefleurent/alert_trader/internal/ledger"
	"github.com/eddiefleurent/alert_trader/internal/logging"
	"github.com/eddiefleurent/alert_trader/internal/orders"
	"github.com/eddiefleurent/alert_trader/internal/parser"
	"github.com/eddiefleurent/alert_trader/internal/pipeline"
	"github.com/eddiefleurent/alert_trader/internal/publish"
	"github.com/eddiefleurent/alert_trader/internal/resolver"
	"github.com/eddiefleurent/alert_trader/internal/retry"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

// app holds the long-lived dependencies shared by subcommands.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    storage.Interface
	gateway  broker.Gateway
	resolver *resolver.Resolver
	closers  []func() error
}

// newApp loads config, builds the logger and opens the store. Config and
// storage errors are fatal for every command.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Environment.LogLevel, Format: cfg.Environment.LogFormat})
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	// reads are retried outside the breaker; orders go through it exactly once
	gateway := retry.NewGateway(broker.NewCircuitBreakerGateway(
		broker.NewTradierAPIWithBaseURL(cfg.APIKey(), cfg.AccountID(), cfg.IsPaperTrading(), cfg.Broker.APIEndpoint, nil).
			WithTimeout(cfg.GetBrokerTimeout()).
			WithLogger(logger),
		logger,
	), logger)
	res, err := resolver.New(gateway, resolver.Options{
		ExpirationTTL: cfg.GetExpirationTTL(),
		ChainTTL:      cfg.GetChainTTL(),
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		gateway:  gateway,
		resolver: res,
		closers:  []func() error{store.Close},
	}, nil
}

// sink returns the trade sink: the store, plus Kafka when configured.
func (a *app) sink() (pipeline.Sink, error) {
	if !a.cfg.KafkaEnabled() {
		return a.store, nil
	}
	k, err := publish.NewKafkaSink(publish.KafkaConfig{
		Brokers: a.cfg.Kafka.Brokers,
		Topic:   a.cfg.Kafka.Topic,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, k.Close)
	a.logger.WithField("topic", a.cfg.Kafka.Topic).Info("Publishing trades to Kafka")
	return publish.Fanout{a.store, k}, nil
}

// processor wires parser, resolver, planner, ledger and sink. The ledger is
// loaded from the store before it is returned.
func (a *app) processor(ctx context.Context) (*pipeline.Processor, *ledger.Ledger, error) {
	l := ledger.New(a.store, a.logger)
	if err := l.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load positions: %w", err)
	}
	sink, err := a.sink()
	if err != nil {
		return nil, nil, err
	}
	planner := orders.NewPlanner(a.gateway, orders.Config{
		PriceTolerance: a.cfg.GetPriceTolerance(),
		Duration:       a.cfg.Broker.OrderDuration,
		DryRun:         a.cfg.Execution.DryRun,
	}, a.logger)

	proc, err := pipeline.NewProcessor(pipeline.Deps{
		Parser:    parser.New(a.logger),
		Resolver:  a.resolver,
		Planner:   planner,
		Ledger:    l,
		Sink:      sink,
		AccountID: a.cfg.AccountID(),
		Logger:    a.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return proc, l, nil
}

func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	return errs
}
