package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/queuegate/broker"
)

var (
	// Connection errors
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")
)

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// isNotFound reports whether err is the broker's 404 channel exception.
func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// isConnectionLoss reports whether err means the link to the broker is gone
// rather than that the broker refused a request.
func isConnectionLoss(err error) bool {
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrChannelClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return !amqpErr.Server || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}

// channelError wraps err, marking connection losses as infrastructure
// failures.
func channelError(op, rawURL string, err error) error {
	if isConnectionLoss(err) {
		return &broker.ConnectionError{
			Op:        op,
			URL:       SanitizeURL(rawURL),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return &ChannelError{Op: op, Err: err, Timestamp: time.Now()}
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
