// Package drivers builds registry endpoints from configuration, choosing
// the broker driver by URI scheme.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/internal/config"
	"github.com/glimte/queuegate/internal/memory"
	"github.com/glimte/queuegate/internal/pool"
	"github.com/glimte/queuegate/internal/rabbitmq"
	"github.com/glimte/queuegate/internal/redislist"
	"github.com/glimte/queuegate/internal/reliability"
	"github.com/glimte/queuegate/internal/sqs"
	"github.com/glimte/queuegate/registry"
)

// Schemes lists the supported endpoint URI schemes
var Schemes = []string{"vm", "amqp", "amqps", "sqs", "redis", "rediss"}

// Open creates the connection factory and session pool of one endpoint.
// Nothing is dialled except when the endpoint asks for its default
// destination to be declared.
func Open(ctx context.Context, cfg config.EndpointConfig, logger *slog.Logger) (*registry.Endpoint, error) {
	logger = logger.With("endpoint", cfg.Name)

	factory, uri, err := newFactory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", cfg.Name, err)
	}

	options := []pool.Option{
		pool.WithMaxSize(cfg.PoolSize),
		pool.WithAcquireTimeout(cfg.AcquireTimeout),
		pool.WithSessionMode(cfg.SessionMode()),
		pool.WithLogger(logger),
	}
	if !cfg.CircuitBreaker.Disabled {
		options = append(options, pool.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName(cfg.Name),
			reliability.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
			reliability.WithTimeout(cfg.CircuitBreaker.OpenTimeout),
			reliability.WithLogger(logger),
		)))
	}

	p, err := pool.New(factory, options...)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", cfg.Name, err)
	}

	return &registry.Endpoint{
		Name:               cfg.Name,
		URI:                uri,
		Factory:            factory,
		Pool:               p,
		DefaultDestination: cfg.DefaultDestination,
		SessionMode:        cfg.SessionMode(),
	}, nil
}

func newFactory(ctx context.Context, cfg config.EndpointConfig, logger *slog.Logger) (broker.ConnectionFactory, string, error) {
	switch cfg.Scheme() {
	case "vm":
		f, err := memory.NewConnectionFactory(cfg.URI, memory.WithLogger(logger))
		return f, cfg.URI, err

	case "amqp", "amqps":
		f, err := rabbitmq.NewConnectionFactory(cfg.URI,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithDialTimeout(cfg.DialTimeout),
			rabbitmq.WithDeliveryLimitedQueues(cfg.RabbitMQ.DeliveryLimitedQueues...),
		)
		if err != nil {
			return nil, "", err
		}
		if cfg.DeclareDefaultDestination {
			topology := rabbitmq.DefaultDestinationTopology(cfg.DefaultDestination)
			manager := rabbitmq.NewTopologyManager(f)
			policy := reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, cfg.StartupRetries)
			err := reliability.Retry(ctx, "declare default destination", policy, func() error {
				return manager.DeclareTopology(ctx, topology)
			})
			if err != nil {
				return nil, "", err
			}
		}
		return f, f.URL(), nil

	case "sqs":
		options := []sqs.Option{sqs.WithLogger(logger)}
		if cfg.SQS.Endpoint != "" {
			options = append(options, sqs.WithEndpoint(cfg.SQS.Endpoint))
		}
		f, err := sqs.NewConnectionFactory(ctx, cfg.URI, options...)
		return f, cfg.URI, err

	case "redis", "rediss":
		f, err := redislist.NewConnectionFactory(cfg.URI,
			redislist.WithLogger(logger),
			redislist.WithKeyPrefix(cfg.Redis.KeyPrefix),
		)
		if err != nil {
			return nil, "", err
		}
		return f, f.URL(), nil

	default:
		return nil, "", fmt.Errorf("%w: %q", broker.ErrUnsupportedScheme, cfg.Scheme())
	}
}

// Build opens every configured endpoint. Endpoints opened before a failure
// are released again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	endpoints := make([]*registry.Endpoint, 0, len(cfg.Endpoints))
	for _, epCfg := range cfg.Endpoints {
		ep, err := Open(ctx, epCfg, logger)
		if err != nil {
			return nil, errors.Join(err, closeAll(endpoints))
		}
		endpoints = append(endpoints, ep)
		logger.Info("endpoint registered",
			"endpoint", ep.Name,
			"uri", ep.URI,
			"defaultDestination", ep.DefaultDestination,
			"poolSize", epCfg.PoolSize)
	}

	reg, err := registry.New(endpoints...)
	if err != nil {
		return nil, errors.Join(err, closeAll(endpoints))
	}
	return reg, nil
}

func closeAll(endpoints []*registry.Endpoint) error {
	if len(endpoints) == 0 {
		return nil
	}
	reg, err := registry.New(endpoints...)
	if err != nil {
		var errs []error
		for _, ep := range endpoints {
			errs = append(errs, ep.Pool.Close())
		}
		return errors.Join(errs...)
	}
	return reg.Close()
}
