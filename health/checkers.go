package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/registry"
)

// EndpointChecker opens a fresh connection and session on an endpoint and
// resolves its default destination.
type EndpointChecker struct {
	endpoint *registry.Endpoint
	logger   *slog.Logger
}

// NewEndpointChecker creates a checker for ep
func NewEndpointChecker(ep *registry.Endpoint, logger *slog.Logger) *EndpointChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointChecker{
		endpoint: ep,
		logger:   logger,
	}
}

func (c *EndpointChecker) Name() string {
	return fmt.Sprintf("endpoint_%s", c.endpoint.Name)
}

func (c *EndpointChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"uri": c.endpoint.URI,
		},
	}
	fail := func(status Status, msg string, err error) CheckResult {
		result.Status = status
		result.Message = msg
		if err != nil {
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		c.logger.Debug("endpoint check failed", "endpoint", c.endpoint.Name, "error", err)
		return result
	}

	conn, err := c.endpoint.Factory.CreateConnection(ctx)
	if err != nil {
		return fail(StatusUnhealthy, "failed to connect", err)
	}
	defer conn.Close()

	if err := conn.Start(ctx); err != nil {
		return fail(StatusUnhealthy, "failed to start connection", err)
	}

	session, err := conn.CreateSession(ctx, broker.BrowseMode)
	if err != nil {
		return fail(StatusUnhealthy, "failed to open session", err)
	}
	defer session.Close()

	if name := c.endpoint.DefaultDestination; name != "" {
		result.Details["default_destination"] = name
		if _, err := session.CreateQueue(ctx, name); err != nil {
			if errors.Is(err, broker.ErrUnresolvableDestination) {
				return fail(StatusDegraded, fmt.Sprintf("default destination %s does not exist", name), err)
			}
			return fail(StatusUnhealthy, "failed to resolve default destination", err)
		}
	}

	result.Status = StatusHealthy
	result.Message = "endpoint is reachable"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// PoolStats is implemented by session pools that report their occupancy.
type PoolStats interface {
	Size() int
	Capacity() int
	Idle() int
}

// PoolChecker reports the occupancy of an endpoint's session pool. A pool
// with every session on loan is degraded, since the next borrower waits.
type PoolChecker struct {
	name  string
	stats PoolStats
}

// NewPoolChecker creates a pool checker for the named endpoint
func NewPoolChecker(endpoint string, stats PoolStats) *PoolChecker {
	return &PoolChecker{name: endpoint, stats: stats}
}

func (c *PoolChecker) Name() string {
	return fmt.Sprintf("pool_%s", c.name)
}

func (c *PoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	size, capacity, idle := c.stats.Size(), c.stats.Capacity(), c.stats.Idle()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "session pool has capacity",
		Timestamp: start,
		Details: map[string]interface{}{
			"size":     size,
			"capacity": capacity,
			"idle":     idle,
		},
	}
	if size >= capacity && idle == 0 {
		result.Status = StatusDegraded
		result.Message = "every pooled session is in use"
	}
	result.Duration = time.Since(start)
	return result
}

// ForRegistry builds a health registry with an endpoint checker for every
// endpoint and a pool checker for every pool that reports its occupancy.
func ForRegistry(reg *registry.Registry, logger *slog.Logger) *Registry {
	h := NewRegistry()
	h.SetMetadata("endpoints", reg.Len())
	for _, name := range reg.Names() {
		ep, _ := reg.Lookup(name)
		h.Register(NewEndpointChecker(ep, logger))
		if stats, ok := ep.Pool.(PoolStats); ok {
			h.Register(NewPoolChecker(name, stats))
		}
	}
	return h
}
