package broker

import (
	"context"
)

// AckMode is the acknowledgement mode of a session.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	ClientAcknowledge
	DupsOKAcknowledge
	SessionTransacted
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups_ok"
	case SessionTransacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// ParseAckMode parses the configuration spelling of an acknowledgement mode.
func ParseAckMode(s string) (AckMode, bool) {
	switch s {
	case "", "auto":
		return AutoAcknowledge, true
	case "client":
		return ClientAcknowledge, true
	case "dups_ok":
		return DupsOKAcknowledge, true
	case "transacted":
		return SessionTransacted, true
	}
	return AutoAcknowledge, false
}

// SessionMode describes how a session is opened
type SessionMode struct {
	Transacted bool
	AckMode    AckMode
}

// BrowseMode is the mode every browse session is opened with.
var BrowseMode = SessionMode{Transacted: true, AckMode: AutoAcknowledge}

// ConnectionFactory produces connections to one broker endpoint.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context) (Connection, error)
}

// Connection is a live link to the broker. It must be closed by whoever
// created it.
type Connection interface {
	// Start enables message delivery on the connection
	Start(ctx context.Context) error
	CreateSession(ctx context.Context, mode SessionMode) (Session, error)
	Close() error
}

// Session is a single-threaded context for producing and browsing messages.
// Sessions are children of a Connection and must be closed before it.
type Session interface {
	// CreateQueue resolves name to a destination. Drivers return a
	// destination that does not implement Queue when the broker knows the
	// name as something other than a queue.
	CreateQueue(ctx context.Context, name string) (Destination, error)
	CreateTopic(ctx context.Context, name string) (Destination, error)

	// CreateBrowser opens a cursor over the messages pending on q. The
	// selector is passed through to the driver unchanged; empty means all.
	CreateBrowser(ctx context.Context, q Queue, selector string) (Browser, error)

	CreateTextMessage(text string) *OutboundMessage

	// Send hands msg to the broker and stamps its message id. On transacted
	// sessions the message becomes visible on Commit.
	Send(ctx context.Context, dest Destination, msg *OutboundMessage) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Destination is a resolved handle to a named broker entity.
type Destination interface {
	DestinationName() string
}

// Queue is a point-to-point destination.
type Queue interface {
	Destination
	QueueName() string
}

// Topic is a publish/subscribe destination.
type Topic interface {
	Destination
	TopicName() string
}

// Browser enumerates the messages of a queue without removing them.
//
// A well-behaved browser never returns (nil, nil) from Next after HasNext
// reported true; callers treat that as a corrupt enumeration.
type Browser interface {
	HasNext(ctx context.Context) (bool, error)
	Next(ctx context.Context) (*Message, error)
	Close() error
}

// SessionPool lends sessions of a long-lived pooled connection.
type SessionPool interface {
	// Execute runs fn with a pooled session and returns the session to the
	// pool afterwards.
	Execute(ctx context.Context, fn func(Session) error) error
	Close() error
}

// Closable is implemented by sessions and connections that can report a
// broken underlying link.
type Closable interface {
	IsClosed() bool
}
