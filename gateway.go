// Copyright 2024 The queuegate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queuegate

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/queuegate/broker"
	"github.com/glimte/queuegate/engine"
	"github.com/glimte/queuegate/registry"
)

// Status is the caller-visible outcome of a gateway operation
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
)

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return "not_found"
}

// Reason tells apart the two not-found outcomes
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEndpointUnknown
	ReasonNothingPending
)

func (r Reason) String() string {
	switch r {
	case ReasonEndpointUnknown:
		return "endpoint unknown"
	case ReasonNothingPending:
		return "nothing pending"
	default:
		return ""
	}
}

// ListResult is the outcome of ListPending
type ListResult struct {
	Status     Status
	Reason     Reason
	MessageIDs []string
}

// SendResult is the outcome of Send
type SendResult struct {
	Status    Status
	Reason    Reason
	MessageID string
}

// Gateway lists and injects messages on registered endpoints
type Gateway struct {
	registry  *registry.Registry
	browser   *engine.Browser
	publisher *engine.Publisher
	logger    *slog.Logger
}

// Option configures the gateway
type Option func(*gatewayConfig)

type gatewayConfig struct {
	logger      *slog.Logger
	resolver    engine.DestinationResolver
	maxMessages int
}

// WithLogger sets the logger for the gateway and its engines
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *gatewayConfig) {
		cfg.logger = logger
	}
}

// WithResolver replaces the destination resolver
func WithResolver(r engine.DestinationResolver) Option {
	return func(cfg *gatewayConfig) {
		cfg.resolver = r
	}
}

// WithMaxBrowse bounds the number of messages a single browse enumerates
func WithMaxBrowse(n int) Option {
	return func(cfg *gatewayConfig) {
		cfg.maxMessages = n
	}
}

// New creates a gateway over reg
func New(reg *registry.Registry, options ...Option) *Gateway {
	cfg := &gatewayConfig{
		logger:   slog.Default(),
		resolver: engine.DynamicDestinationResolver{},
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Gateway{
		registry: reg,
		browser: engine.NewBrowser(
			engine.WithBrowserLogger(cfg.logger),
			engine.WithBrowserResolver(cfg.resolver),
			engine.WithMaxMessages(cfg.maxMessages),
		),
		publisher: engine.NewPublisher(
			engine.WithPublisherLogger(cfg.logger),
			engine.WithPublisherResolver(cfg.resolver),
		),
		logger: cfg.logger,
	}
}

// ListOption configures a ListPending call
type ListOption func(*listConfig)

type listConfig struct {
	selector string
}

// WithSelector restricts the listing to messages matching selector
func WithSelector(selector string) ListOption {
	return func(cfg *listConfig) {
		cfg.selector = selector
	}
}

// ListPending returns the identifiers of the messages pending on queue,
// in broker order, without consuming them.
func (g *Gateway) ListPending(ctx context.Context, endpoint, queue string, options ...ListOption) (ListResult, error) {
	cfg := &listConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	ep, ok := g.registry.Lookup(endpoint)
	if !ok {
		g.logger.Debug("unknown endpoint", "endpoint", endpoint)
		return ListResult{Status: StatusNotFound, Reason: ReasonEndpointUnknown}, nil
	}

	messages, err := g.browser.Browse(ctx, ep, queue, cfg.selector)
	if err != nil {
		return ListResult{}, err
	}

	ids := make([]string, 0, len(messages))
	for i, msg := range messages {
		if msg.ID == "" {
			// dropping it would make a non-empty queue look drained
			return ListResult{}, &broker.BrowseError{
				Endpoint:  endpoint,
				Queue:     queue,
				Op:        "enumerate",
				Index:     i,
				Err:       broker.ErrMessageIDUnavailable,
				Timestamp: time.Now(),
			}
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) == 0 {
		return ListResult{Status: StatusNotFound, Reason: ReasonNothingPending}, nil
	}
	return ListResult{Status: StatusOK, MessageIDs: ids}, nil
}

// Send publishes payload with headers to the endpoint's default destination.
// queue is informational only.
func (g *Gateway) Send(ctx context.Context, endpoint, queue, payload string, headers broker.Headers) (SendResult, error) {
	ep, ok := g.registry.Lookup(endpoint)
	if !ok {
		g.logger.Debug("unknown endpoint", "endpoint", endpoint)
		return SendResult{Status: StatusNotFound, Reason: ReasonEndpointUnknown}, nil
	}

	if queue != "" && queue != ep.DefaultDestination {
		g.logger.Debug("send goes to the endpoint default destination",
			"endpoint", endpoint,
			"requested", queue,
			"destination", ep.DefaultDestination)
	}

	id, err := g.publisher.Publish(ctx, ep, payload, headers)
	if err != nil {
		return SendResult{}, err
	}

	g.logger.Info("message sent", "endpoint", endpoint, "destination", ep.DefaultDestination, "messageId", id)
	return SendResult{Status: StatusOK, MessageID: id}, nil
}

// Endpoints returns the registered endpoint names
func (g *Gateway) Endpoints() []string {
	return g.registry.Names()
}

// Registry returns the endpoint registry
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Close releases every endpoint
func (g *Gateway) Close() error {
	return g.registry.Close()
}
