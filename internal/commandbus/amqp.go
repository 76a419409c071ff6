package commandbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "dispatchd/pkg/logx"
)

const (
	DefaultExchange    = "dispatchd.commands"
	DefaultQueuePrefix = "dispatchd."
	DefaultPrefetch    = 10
	heartbeat          = 10 * time.Second

	// attemptHeader carries the delivery count of a republished command.
	attemptHeader = "x-dispatch-attempt"
)

// AMQP publishes to a durable topic exchange and consumes one durable queue
// per topic, routed by topic name. Deliveries are acknowledged manually.
type AMQP struct {
	url      string
	exchange string
	prefix   string
	prefetch int
	log      logx.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	closed bool
}

func NewAMQP(cfg Config, log logx.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("commandbus: amqp url is required")
	}
	b := &AMQP{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		prefix:   cfg.QueuePrefix,
		prefetch: cfg.Prefetch,
		log:      log.With(logx.String("comp", "commandbus"), logx.String("driver", "amqp")),
	}
	if b.exchange == "" {
		b.exchange = DefaultExchange
	}
	if b.prefix == "" {
		b.prefix = DefaultQueuePrefix
	}
	if b.prefetch <= 0 {
		b.prefetch = DefaultPrefetch
	}
	return b, nil
}

func (b *AMQP) queueName(topic string) string { return b.prefix + topic }

func (b *AMQP) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(b.url, amqp.Config{
		Heartbeat:  heartbeat,
		Properties: amqp.Table{"connection_name": "dispatchd"},
	})
	if err != nil {
		return nil, fmt.Errorf("commandbus: dial amqp: %w", err)
	}
	return conn, nil
}

func (b *AMQP) declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("commandbus: declare exchange: %w", err)
	}
	return nil
}

// publisher returns the shared publishing channel, dialing again after the
// connection dropped.
func (b *AMQP) publisher() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.pub != nil && !b.pub.IsClosed() && b.conn != nil && !b.conn.IsClosed() {
		return b.pub, nil
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn, b.pub = nil, nil
	conn, err := b.dial()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("commandbus: open channel: %w", err)
	}
	if err := b.declareExchange(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	b.conn, b.pub = conn, ch
	return ch, nil
}

func (b *AMQP) Publish(ctx context.Context, topic string, body []byte) error {
	ch, err := b.publisher()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, b.exchange, normalizeTopic(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("commandbus: publish %s: %w", topic, err)
	}
	return nil
}

// Consume opens its own connection, declares the topology and handles
// deliveries until ctx ends or the broker connection is lost.
func (b *AMQP) Consume(ctx context.Context, topics []string, h Handler) error {
	if len(topics) == 0 {
		return errors.New("commandbus: no topics")
	}
	conn, err := b.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("commandbus: open channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return fmt.Errorf("commandbus: set qos: %w", err)
	}
	if err := b.declareExchange(ch); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, t := range topics {
		t := t
		t = normalizeTopic(t)
		q := b.queueName(t)
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("commandbus: declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, t, b.exchange, false, nil); err != nil {
			return fmt.Errorf("commandbus: bind queue %s: %w", q, err)
		}
		deliveries, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("commandbus: consume %s: %w", q, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, ch, t, q, deliveries, h)
		}()
	}
	b.log.Info("command consumer connected", logx.Strs("topics", topics), logx.Int("prefetch", b.prefetch))

	var out error
	select {
	case <-ctx.Done():
		out = ctx.Err()
	case e, ok := <-closed:
		if ok && e != nil {
			out = fmt.Errorf("commandbus: connection closed: %w", e)
		} else {
			out = errors.New("commandbus: connection closed")
		}
	}
	_ = ch.Close()
	wg.Wait()
	return out
}

// handle acknowledges each delivery by the handler's outcome. A failed
// command is republished to its queue with a bumped attempt header, then
// acknowledged, until MaxDeliveries is reached.
func (b *AMQP) handle(ctx context.Context, ch *amqp.Channel, topic, queue string, deliveries <-chan amqp.Delivery, h Handler) {
	for d := range deliveries {
		msg := Message{Topic: topic, Body: d.Body, Attempt: deliveryAttempt(d)}
		err := h(ctx, msg)
		var ackErr error
		switch dispose(err) {
		case ack:
			ackErr = d.Ack(false)
		case drop:
			b.log.Warn("command rejected", logx.String("topic", topic), logx.Err(err))
			ackErr = d.Reject(false)
		case requeue:
			if exhausted(msg) {
				b.log.Error("command dropped after repeated failures", logx.String("topic", topic), logx.Int("attempts", msg.Attempt), logx.Err(err))
				ackErr = d.Reject(false)
				break
			}
			b.log.Warn("command requeued", logx.String("topic", topic), logx.Int("attempt", msg.Attempt), logx.Err(err))
			if perr := b.republish(ctx, ch, queue, d, msg.Attempt+1); perr != nil {
				b.log.Warn("command republish failed; returning it to the queue", logx.String("topic", topic), logx.Err(perr))
				ackErr = d.Nack(false, true)
				break
			}
			ackErr = d.Ack(false)
		}
		if ackErr != nil {
			b.log.Error("command acknowledgement failed", logx.String("topic", topic), logx.Err(ackErr))
		}
	}
}

// republish sends d straight to queue through the default exchange so other
// queues bound to the topic do not see it again.
func (b *AMQP) republish(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptHeader] = int32(attempt)
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         d.Body,
	})
}

// deliveryAttempt reads the attempt header. A broker redelivery of a command
// without one counts as the second attempt.
func deliveryAttempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
