package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// Connector is the part of the channel registry the consumer drives.
type Connector interface {
	Connect(ctx context.Context, req channel.ConnectRequest) error
	Disconnect(ctx context.Context, id string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...jobqueue.EnqueueOption) (string, error)
}

// Pacing holds the per-channel defaults of mass sends that omit delay or
// jitter.
type Pacing struct {
	WhatsAppDelay  time.Duration
	WhatsAppJitter float64
	MetaDelay      time.Duration
	MetaJitter     float64
	TelegramDelay  time.Duration
	TelegramJitter float64
}

func DefaultPacing() Pacing {
	return Pacing{
		WhatsAppDelay: time.Second,
		MetaDelay:     3 * time.Second,
		MetaJitter:    0.15,
		TelegramDelay: time.Second,
	}
}

func (p Pacing) For(ch domain.Channel) (time.Duration, float64) {
	switch ch {
	case domain.ChannelFacebook, domain.ChannelInstagram:
		return p.MetaDelay, p.MetaJitter
	case domain.ChannelTelegram:
		return p.TelegramDelay, p.TelegramJitter
	default:
		return p.WhatsAppDelay, p.WhatsAppJitter
	}
}

// Consumer turns bus commands into registry calls and queued jobs.
type Consumer struct {
	bus   Bus
	conn  Connector
	queue Enqueuer
	store storage.Broadcasts
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	pacing Pacing
}

func NewConsumer(bus Bus, conn Connector, queue Enqueuer, store storage.Broadcasts, log logx.Logger) *Consumer {
	return &Consumer{
		bus:    bus,
		conn:   conn,
		queue:  queue,
		store:  store,
		log:    log.With(logx.String("comp", "commands")),
		now:    time.Now,
		pacing: DefaultPacing(),
	}
}

func (c *Consumer) Topics() []string { return []string{TopicConnect, TopicDisconnect, TopicMass} }

// Apply swaps the pacing defaults used by later commands.
func (c *Consumer) Apply(p Pacing) {
	c.mu.Lock()
	c.pacing = p
	c.mu.Unlock()
}

// Run consumes until ctx ends or the transport fails.
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, c.Topics(), c.Handle)
}

func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	switch msg.Topic {
	case TopicConnect:
		return c.connect(ctx, msg.Body)
	case TopicDisconnect:
		return c.disconnect(ctx, msg.Body)
	case TopicMass:
		return c.mass(ctx, msg.Body)
	default:
		return fmt.Errorf("%w: unknown topic %q", ErrMalformed, msg.Topic)
	}
}

// Reserved keys of a connect command; everything else is a credential.
var connectKeys = map[string]bool{
	"connectionId": true, "id": true, "tenantId": true, "channel": true, "provider": true, "config": true,
}

func (c *Consumer) connect(ctx context.Context, body []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	creds := channel.Credentials(raw)
	id := creds.String("connectionId", "id")
	if id == "" {
		return fmt.Errorf("%w: connectionId is required", ErrMalformed)
	}
	ch, ok := domain.ParseChannel(creds.String("channel"))
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", ErrMalformed, creds.String("channel"))
	}
	req := channel.ConnectRequest{
		ConnectionID: id,
		TenantID:     creds.String("tenantId"),
		Channel:      ch,
		Provider:     creds.String("provider"),
		Credentials:  channel.Credentials{},
	}
	if cfg, ok := raw["config"].(map[string]any); ok {
		for k, v := range cfg {
			req.Credentials[k] = v
		}
	}
	for k, v := range raw {
		if !connectKeys[k] {
			req.Credentials[k] = v
		}
	}

	err := c.conn.Connect(ctx, req)
	switch {
	case err == nil:
		c.log.Info("connect command handled", logx.String("connection_id", id), logx.String("channel", string(ch)))
		return nil
	case errors.Is(err, channel.ErrUnknownBackend):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		// The connection record carries the failure; redelivery would repeat it.
		c.log.Warn("connect command failed", logx.String("connection_id", id), logx.Err(err))
		return nil
	}
}

func (c *Consumer) disconnect(ctx context.Context, body []byte) error {
	var cmd struct {
		ConnectionID string `json:"connectionId"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id := strings.TrimSpace(cmd.ConnectionID)
	if id == "" {
		id = strings.TrimSpace(cmd.ID)
	}
	if id == "" {
		return fmt.Errorf("%w: connectionId is required", ErrMalformed)
	}
	if err := c.conn.Disconnect(ctx, id); err != nil {
		return fmt.Errorf("commands: disconnect %s: %w", id, err)
	}
	c.log.Info("disconnect command handled", logx.String("connection_id", id))
	return nil
}

// massCommand accepts both the broadcast and the channel-mass field names.
type massCommand struct {
	BroadcastID  string             `json:"broadcastId"`
	TenantID     string             `json:"tenantId"`
	ConnectionID string             `json:"connectionId"`
	Channel      string             `json:"channel"`
	Contacts     []domain.Recipient `json:"contacts"`
	Recipients   []domain.Recipient `json:"recipients"`
	Message      json.RawMessage    `json:"message"`
	DelayMs      *int               `json:"delayMs"`
	Delay        *int               `json:"delay"`
	Jitter       *float64           `json:"jitter"`
	Provider     string             `json:"provider"`
}

func (c *Consumer) mass(ctx context.Context, body []byte) error {
	var cmd massCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.BroadcastID == "" || cmd.ConnectionID == "" {
		return fmt.Errorf("%w: broadcastId and connectionId are required", ErrMalformed)
	}
	ch, ok := domain.ParseChannel(cmd.Channel)
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", ErrMalformed, cmd.Channel)
	}
	msg, err := decodeMessage(cmd.Message)
	if err != nil {
		return fmt.Errorf("%w: message: %v", ErrMalformed, err)
	}
	recipients := cmd.Recipients
	if len(recipients) == 0 {
		recipients = cmd.Contacts
	}

	c.mu.Lock()
	delay, jitter := c.pacing.For(ch)
	c.mu.Unlock()
	delayMs := int(delay / time.Millisecond)
	if v := firstInt(cmd.DelayMs, cmd.Delay); v != nil {
		delayMs = max(*v, 0)
	}
	if cmd.Jitter != nil {
		jitter = min(max(*cmd.Jitter, 0), 1)
	}

	if err := c.ensureBroadcast(ctx, cmd, ch, len(recipients)); err != nil {
		return err
	}
	job := domain.MassJob{
		BroadcastID:  cmd.BroadcastID,
		ConnectionID: cmd.ConnectionID,
		Channel:      ch,
		Recipients:   recipients,
		Message:      msg,
		Delay:        delayMs,
		Jitter:       jitter,
		Provider:     cmd.Provider,
	}
	queue := ch.MassQueue()
	_, err = c.queue.Enqueue(ctx, queue, job,
		jobqueue.WithJobID("broadcast:"+cmd.BroadcastID),
		jobqueue.WithLane(cmd.ConnectionID),
	)
	if errors.Is(err, jobqueue.ErrUnknownQueue) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err != nil {
		return fmt.Errorf("commands: enqueue mass send: %w", err)
	}
	c.log.Info("mass send queued", logx.String("broadcast_id", cmd.BroadcastID), logx.String("queue", queue),
		logx.Int("recipients", len(recipients)), logx.Int("delay_ms", delayMs), logx.Float64("jitter", jitter))
	return nil
}

// ensureBroadcast creates the QUEUED aggregate when the sender did not.
func (c *Consumer) ensureBroadcast(ctx context.Context, cmd massCommand, ch domain.Channel, total int) error {
	_, err := c.store.GetBroadcast(ctx, cmd.BroadcastID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("commands: load broadcast: %w", err)
	}
	now := c.now()
	err = c.store.CreateBroadcast(ctx, domain.Broadcast{
		ID:           cmd.BroadcastID,
		TenantID:     cmd.TenantID,
		ConnectionID: cmd.ConnectionID,
		Channel:      ch,
		Status:       domain.BroadcastQueued,
		Stats:        domain.DispatchStats{Queued: total, Total: total},
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("commands: create broadcast: %w", err)
	}
	return nil
}

// decodeMessage accepts a bare string or a template object.
func decodeMessage(raw json.RawMessage) (domain.MessageTemplate, error) {
	var t domain.MessageTemplate
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return t, errors.New("missing")
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &t.Text); err != nil {
			return t, err
		}
	} else if err := json.Unmarshal(raw, &t); err != nil {
		return t, err
	}
	if t.IsZero() {
		return t, errors.New("empty")
	}
	return t, nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
