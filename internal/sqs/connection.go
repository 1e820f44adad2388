package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/glimte/queuegate/broker"
)

// sqsClient defines the SQS operations the driver uses
type sqsClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ConnectionFactory hands out connections sharing one SQS client
type ConnectionFactory struct {
	client   sqsClient
	region   string
	endpoint string
	logger   *slog.Logger

	mu            sync.RWMutex
	queueURLCache map[string]string

	// receives hide nothing but still count, so one browse per queue
	locks broker.BrowseLocks
}

// Option configures the ConnectionFactory
type Option func(*ConnectionFactory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *ConnectionFactory) {
		f.logger = logger
	}
}

// WithEndpoint overrides the SQS endpoint, for LocalStack or a custom
// SQS-compatible service
func WithEndpoint(endpoint string) Option {
	return func(f *ConnectionFactory) {
		f.endpoint = endpoint
	}
}

// WithClient replaces the SQS client
func WithClient(client sqsClient) Option {
	return func(f *ConnectionFactory) {
		f.client = client
	}
}

// ParseURI extracts the region from an sqs://<region> URI. An endpoint
// query parameter overrides the service endpoint.
func ParseURI(uri string) (region, endpoint string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("sqs: invalid uri: %w", err)
	}
	if u.Scheme != "sqs" {
		return "", "", fmt.Errorf("%w: %q", broker.ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("sqs: uri %q has no region", uri)
	}
	return u.Host, u.Query().Get("endpoint"), nil
}

// NewConnectionFactory creates a factory for an sqs:// URI, loading AWS
// credentials from the default chain
func NewConnectionFactory(ctx context.Context, uri string, options ...Option) (*ConnectionFactory, error) {
	region, endpoint, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	f := &ConnectionFactory{
		region:        region,
		endpoint:      endpoint,
		logger:        slog.Default(),
		queueURLCache: make(map[string]string),
	}
	for _, opt := range options {
		opt(f)
	}
	if f.client != nil {
		return f, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to load AWS config: %w", err)
	}
	if f.endpoint != "" {
		f.client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(f.endpoint)
		})
	} else {
		f.client = sqs.NewFromConfig(awsCfg)
	}
	return f, nil
}

// Region returns the endpoint region
func (f *ConnectionFactory) Region() string {
	return f.region
}

// CreateConnection implements broker.ConnectionFactory. SQS is
// connectionless, so this never contacts the service.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Connection{factory: f}, nil
}

// resolveQueueURL resolves and caches the URL of a queue name
func (f *ConnectionFactory) resolveQueueURL(ctx context.Context, name string) (string, error) {
	f.mu.RLock()
	cached, ok := f.queueURLCache[name]
	f.mu.RUnlock()
	if ok {
		return cached, nil
	}

	out, err := f.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		if isQueueMissing(err) {
			return "", fmt.Errorf("%w: no queue named %q", broker.ErrUnresolvableDestination, name)
		}
		return "", f.wrap("get queue url", err)
	}

	queueURL := aws.ToString(out.QueueUrl)
	f.mu.Lock()
	f.queueURLCache[name] = queueURL
	f.mu.Unlock()
	f.logger.Debug("resolved SQS queue url", "queue", name, "url", queueURL)
	return queueURL, nil
}

// wrap marks transport failures as infrastructure errors. Errors the
// service answered with are returned as they are.
func (f *ConnectionFactory) wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("sqs: %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &broker.ConnectionError{
		Op:        op,
		URL:       "sqs://" + f.region,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func isQueueMissing(err error) bool {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.Contains(apiErr.ErrorCode(), "NonExistentQueue")
}

// Connection is a handle on the shared SQS client
type Connection struct {
	factory *ConnectionFactory
	mu      sync.Mutex
	closed  bool
}

// Start implements broker.Connection
func (c *Connection) Start(ctx context.Context) error {
	if c.IsClosed() {
		return broker.ErrConnectionClosed
	}
	return nil
}

// CreateSession implements broker.Connection. The session mode is accepted
// but SQS has no transactions.
func (c *Connection) CreateSession(ctx context.Context, mode broker.SessionMode) (broker.Session, error) {
	if c.IsClosed() {
		return nil, broker.ErrConnectionClosed
	}
	return &Session{conn: c, factory: c.factory}, nil
}

// Close implements broker.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// IsClosed implements broker.Closable
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
