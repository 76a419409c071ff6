// Package commandbus carries the asynchronous commands other services send
// to the dispatch worker: connect and disconnect a channel, start a mass
// send. Two transports exist: an in-process one and AMQP.
package commandbus

import (
	"context"
	"errors"
	"strings"
)

const (
	TopicConnect    = "channel:connect"
	TopicDisconnect = "channel:disconnect"
	TopicMass       = "broadcast:mass"

	// MaxDeliveries caps how often a failing command is handed to a handler
	// before it is dropped.
	MaxDeliveries = 5
)

var (
	// ErrMalformed marks a command that can never be processed. It is dropped
	// instead of redelivered.
	ErrMalformed = errors.New("commandbus: malformed command")
	ErrClosed    = errors.New("commandbus: closed")
)

type Message struct {
	Topic string
	Body  []byte
	// Attempt counts deliveries of this command, starting at 1.
	Attempt int
}

// Handler processes one command. nil acknowledges it, an ErrMalformed error
// drops it, and any other error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

type Bus interface {
	Publish(ctx context.Context, topic string, body []byte) error
	// Consume delivers commands of topics to h. It blocks until ctx ends or
	// the transport fails; callers restart it on error.
	Consume(ctx context.Context, topics []string, h Handler) error
	Close() error
}

// Config selects and tunes the transport.
type Config struct {
	Driver      string // memory | amqp
	URL         string
	Exchange    string
	QueuePrefix string
	Prefetch    int
	Buffer      int // memory only
}

type disposition int

const (
	ack disposition = iota
	drop
	requeue
)

func dispose(err error) disposition {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrMalformed):
		return drop
	default:
		return requeue
	}
}

func exhausted(msg Message) bool { return msg.Attempt >= MaxDeliveries }

func normalizeTopic(t string) string { return strings.TrimSpace(t) }
