package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Lookup errors
	ErrEndpointNotFound        = errors.New("broker: endpoint not found")
	ErrUnresolvableDestination = errors.New("broker: unresolvable destination")

	// Browse errors
	ErrCorruptEnumeration = errors.New("broker: browse cursor claimed a message it could not deliver")
	ErrInvalidSelector    = errors.New("broker: invalid selector")
	// ErrBrowseRefused is returned for queues where reading a message
	// counts as a delivery attempt that can dead-letter or drop it
	ErrBrowseRefused = errors.New("broker: queue limits delivery attempts, browsing would consume them")

	// Publish errors
	ErrHeaderConversionFailed = errors.New("broker: header conversion failed")
	ErrMessageIDUnavailable   = errors.New("broker: message id unavailable")

	// Infrastructure errors
	ErrPoolExhausted      = errors.New("broker: session pool exhausted")
	ErrPoolClosed         = errors.New("broker: session pool is closed")
	ErrBrokerUnreachable  = errors.New("broker: broker unreachable")
	ErrSessionClosed      = errors.New("broker: session is closed")
	ErrConnectionClosed   = errors.New("broker: connection is closed")
	ErrUnsupportedScheme  = errors.New("broker: unsupported endpoint uri scheme")
	ErrInvalidDestination = errors.New("broker: destination type not supported by driver")
)

// ConnectionError is returned when a connection to the broker cannot be
// established or breaks.
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Sanitized endpoint URI
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is makes every ConnectionError match ErrBrokerUnreachable.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrBrokerUnreachable
}

// BrowseError describes a failed browse of one queue.
type BrowseError struct {
	Endpoint  string
	Queue     string
	Op        string // acquire connection, open session, resolve, open cursor, enumerate
	Index     int    // position of the failing element during enumerate, -1 otherwise
	Err       error
	Timestamp time.Time
}

func (e *BrowseError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("browse %s/%s: %s at element %d: %v", e.Endpoint, e.Queue, e.Op, e.Index, e.Err)
	}
	return fmt.Sprintf("browse %s/%s: %s: %v", e.Endpoint, e.Queue, e.Op, e.Err)
}

func (e *BrowseError) Unwrap() error {
	return e.Err
}

// PublishError describes a failed publish to an endpoint's destination.
type PublishError struct {
	Endpoint    string
	Destination string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s/%s: %s: %v", e.Endpoint, e.Destination, e.Op, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HeaderError names the header that could not be applied.
type HeaderError struct {
	Key string
	Err error
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("header %q: %v", e.Key, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether err is a pool or connectivity failure.
// Those are the only failures a caller may reasonably retry.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrBrokerUnreachable) ||
		errors.Is(err, ErrConnectionClosed)
}

// IsNotFound reports whether err means the endpoint or destination does not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEndpointNotFound) || errors.Is(err, ErrUnresolvableDestination)
}
