package commandbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "dispatchd/pkg/logx"
)

const (
	defaultBuffer = 256
	redeliverWait = 200 * time.Millisecond
)

// Memory is an in-process bus with one buffered channel per topic. Commands
// do not survive a restart.
type Memory struct {
	log    logx.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]chan Message
	closed bool
	done   chan struct{}
}

func NewMemory(buffer int, log logx.Logger) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		log:    log.With(logx.String("comp", "commandbus"), logx.String("driver", "memory")),
		buffer: buffer,
		topics: map[string]chan Message{},
		done:   make(chan struct{}),
	}
}

func (m *Memory) topic(name string) (chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan Message, m.buffer)
		m.topics[name] = ch
	}
	return ch, nil
}

// Publish queues body on topic. It blocks while the topic buffer is full.
func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	topic = normalizeTopic(topic)
	ch, err := m.topic(topic)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Body: append([]byte(nil), body...), Attempt: 1}
	select {
	case ch <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, topics []string, h Handler) error {
	if len(topics) == 0 {
		return fmt.Errorf("commandbus: no topics")
	}
	var wg sync.WaitGroup
	for _, t := range topics {
		ch, err := m.topic(normalizeTopic(t))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.consumeTopic(ctx, ch, h)
		}()
	}
	wg.Wait()
	select {
	case <-m.done:
		return ErrClosed
	default:
		return ctx.Err()
	}
}

func (m *Memory) consumeTopic(ctx context.Context, ch chan Message, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case msg := <-ch:
			err := h(ctx, msg)
			switch dispose(err) {
			case drop:
				m.log.Warn("command dropped", logx.String("topic", msg.Topic), logx.Err(err))
			case requeue:
				if exhausted(msg) {
					m.log.Error("command dropped after repeated failures", logx.String("topic", msg.Topic), logx.Int("attempts", msg.Attempt), logx.Err(err))
					continue
				}
				m.log.Warn("command redelivery scheduled", logx.String("topic", msg.Topic), logx.Int("attempt", msg.Attempt), logx.Duration("delay", redeliverWait), logx.Err(err))
				msg.Attempt++
				m.redeliver(ch, msg)
			}
		}
	}
}

func (m *Memory) redeliver(ch chan Message, msg Message) {
	time.AfterFunc(redeliverWait, func() {
		select {
		case ch <- msg:
		case <-m.done:
		default:
			m.log.Error("command lost: topic buffer full", logx.String("topic", msg.Topic))
		}
	})
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
