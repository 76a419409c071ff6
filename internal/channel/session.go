package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

var (
	// ErrNoSession means no session is registered for the connection id.
	ErrNoSession = errors.New("channel: no session registered")
	// ErrNotConnected means the session exists but cannot deliver right now.
	ErrNotConnected = errors.New("channel: session not connected")
	// ErrUnknownBackend means no factory is registered for channel/provider.
	ErrUnknownBackend = errors.New("channel: unknown backend")
	// ErrUnsupportedContent is returned by backends for content kinds they
	// cannot deliver.
	ErrUnsupportedContent = errors.New("channel: unsupported content")
)

// SessionLost reports errors that mean the session cannot deliver anything
// until it is re-established.
func SessionLost(err error) bool {
	return errors.Is(err, ErrNoSession) || errors.Is(err, ErrNotConnected)
}

type EventKind int

const (
	// EventPairing carries a new pairing artifact (QR code).
	EventPairing EventKind = iota + 1
	// EventReady means the session is authenticated and can send.
	EventReady
	// EventReconnecting means the link dropped and the client is retrying.
	EventReconnecting
	// EventClosed means the remote side ended the session.
	EventClosed
	// EventFailed is fatal (bad credentials, logged out). The session is
	// torn down.
	EventFailed
	// EventMessage carries one inbound message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventPairing:
		return "pairing"
	case EventReady:
		return "ready"
	case EventReconnecting:
		return "reconnecting"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a session from its own goroutines.
type Event struct {
	Kind    EventKind
	QRCode  string
	Phone   string
	Device  string
	Err     error
	Message *InboundMessage
}

type InboundMessage struct {
	ConnectionID      string         `json:"connectionId"`
	Channel           domain.Channel `json:"channel"`
	From              string         `json:"from"`
	Name              string         `json:"name,omitempty"`
	Text              string         `json:"text"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	ReceivedAt        time.Time      `json:"receivedAt"`
}

// Session is the capability every channel backend implements.
//
// Open starts the client and returns once the connection attempt is under
// way; lifecycle changes are reported through emit for as long as the session
// lives. emit blocks until the event is accepted, so backends must not call
// it while holding locks that Send or Close need.
type Session interface {
	Open(ctx context.Context, emit func(Event)) error
	Close(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, to string, content domain.Content) (string, error)
}

// Credentials are the free-form connect fields of a connect command.
type Credentials map[string]any

// String returns the first non-empty string value among keys. Numbers are
// formatted without exponent so numeric ids survive JSON decoding.
func (c Credentials) String(keys ...string) string {
	for _, k := range keys {
		switch v := c[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

// SessionConfig is what a Factory gets to build one session.
type SessionConfig struct {
	ConnectionID string
	TenantID     string
	Channel      domain.Channel
	Provider     string
	Credentials  Credentials
	Logger       logx.Logger
}

type Factory func(cfg SessionConfig) (Session, error)
