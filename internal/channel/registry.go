package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/connstate"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/runtime/supervisor"
	logx "dispatchd/pkg/logx"
)

const (
	eventBuffer       = 32
	transitionTimeout = 10 * time.Second
	closeTimeout      = 10 * time.Second
)

// StateStore is the part of the connection state store the registry writes to.
type StateStore interface {
	Begin(ctx context.Context, req connstate.BeginRequest) (domain.ConnectionRecord, error)
	Transition(ctx context.Context, id string, status domain.ConnStatus, patch map[string]any) (domain.ConnectionRecord, error)
}

// InboundHandler receives inbound messages from every session.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// ConnectRequest is the input of Connect.
type ConnectRequest struct {
	ConnectionID string
	TenantID     string
	Channel      domain.Channel
	Provider     string
	Credentials  Credentials
}

type backendKey struct {
	channel  domain.Channel
	provider string
}

// entry owns one session. Its pump goroutine is the only writer of the
// session's connection record.
type entry struct {
	id       string
	channel  domain.Channel
	provider string

	session Session // nil until the factory returns; guarded by Registry.mu
	events  chan Event
	done    chan struct{}
	exited  chan struct{}
	closing atomic.Bool
	sendMu  sync.Mutex
}

// Registry maps connection ids to live channel sessions. Callers only see the
// Session capability; which backend serves a channel is decided by the
// registered factories.
type Registry struct {
	store StateStore
	bus   eventbus.Bus
	log   logx.Logger
	sup   *supervisor.Supervisor

	mu       sync.Mutex
	backends map[backendKey]Factory
	defaults map[domain.Channel]string
	sessions map[string]*entry
	closed   bool

	hmu      sync.RWMutex
	handlers []InboundHandler
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(r *Registry) { r.bus = bus } }

func NewRegistry(store StateStore, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		bus:      eventbus.Nop{},
		log:      logx.Nop(),
		backends: map[backendKey]Factory{},
		defaults: map[domain.Channel]string{},
		sessions: map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(logx.String("comp", "channel.registry"))
	r.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(r.log))
	return r
}

// RegisterBackend adds a factory for channel/provider. The first provider
// registered for a channel becomes its default.
func (r *Registry) RegisterBackend(ch domain.Channel, provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[backendKey{ch, provider}] = f
	if _, ok := r.defaults[ch]; !ok {
		r.defaults[ch] = provider
	}
}

// SetDefault picks the provider used when a connect request names none.
func (r *Registry) SetDefault(ch domain.Channel, provider string) {
	r.mu.Lock()
	r.defaults[ch] = provider
	r.mu.Unlock()
}

// Backends lists registered channel/provider pairs.
func (r *Registry) Backends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.backends))
	for k := range r.backends {
		out = append(out, string(k.channel)+"/"+k.provider)
	}
	sort.Strings(out)
	return out
}

// OnInboundMessage adds h to the handlers called for every inbound message.
func (r *Registry) OnInboundMessage(h InboundHandler) {
	if h == nil {
		return
	}
	r.hmu.Lock()
	r.handlers = append(r.handlers, h)
	r.hmu.Unlock()
}

// Connect opens a session for req.ConnectionID. A second call while a session
// is registered (or still opening) is a no-op.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) error {
	log := r.log.With(logx.String("connection_id", req.ConnectionID), logx.String("channel", string(req.Channel)))

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("registry closed")
	}
	if _, ok := r.sessions[req.ConnectionID]; ok {
		r.mu.Unlock()
		log.Warn("connect ignored; session already registered")
		return nil
	}
	provider := req.Provider
	if provider == "" {
		provider = r.defaults[req.Channel]
	}
	factory, ok := r.backends[backendKey{req.Channel, provider}]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrUnknownBackend, req.Channel, provider)
	}
	e := &entry{
		id:       req.ConnectionID,
		channel:  req.Channel,
		provider: provider,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	r.sessions[req.ConnectionID] = e
	r.mu.Unlock()
	r.sup.Go0("session:"+e.id, func(context.Context) { r.pump(e) })

	log = log.With(logx.String("provider", provider))
	if _, err := r.store.Begin(ctx, connstate.BeginRequest{
		ID:       req.ConnectionID,
		TenantID: req.TenantID,
		Channel:  req.Channel,
		Provider: provider,
	}); err != nil {
		r.abandon(e)
		return fmt.Errorf("connection %s: %w", req.ConnectionID, err)
	}

	sess, err := factory(SessionConfig{
		ConnectionID: req.ConnectionID,
		TenantID:     req.TenantID,
		Channel:      req.Channel,
		Provider:     provider,
		Credentials:  req.Credentials,
		Logger:       log,
	})
	if err != nil {
		r.fail(ctx, e, err)
		return err
	}

	r.mu.Lock()
	e.session = sess
	r.mu.Unlock()
	if e.closing.Load() {
		// Disconnected while the factory ran.
		r.closeSession(ctx, e)
		return fmt.Errorf("connection %s: disconnected while opening", req.ConnectionID)
	}

	emit := func(ev Event) {
		select {
		case e.events <- ev:
		case <-e.done:
		}
	}
	if err := sess.Open(ctx, emit); err != nil {
		r.fail(ctx, e, err)
		return err
	}
	log.Info("session opened")
	return nil
}

// IsConnected reports whether a registered session can send right now.
func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	e := r.sessions[id]
	var s Session
	if e != nil {
		s = e.session
	}
	r.mu.Unlock()
	return s != nil && s.Connected()
}

// Send delivers content through the session of connection id. Sends on one
// session are serialized.
func (r *Registry) Send(ctx context.Context, id, to string, content domain.Content) (string, error) {
	r.mu.Lock()
	e := r.sessions[id]
	var s Session
	if e != nil {
		s = e.session
	}
	r.mu.Unlock()
	if e == nil {
		return "", fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if s == nil {
		return "", fmt.Errorf("%w: %s is still opening", ErrNotConnected, id)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closing.Load() {
		return "", fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return s.Send(ctx, to, content)
}

// Disconnect closes the session and marks the record DISCONNECTED. Unknown ids
// are ignored.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.sessions[id]
	r.mu.Unlock()
	if e == nil {
		r.log.Debug("disconnect ignored; no session", logx.String("connection_id", id))
		return nil
	}
	if !r.detach(e) {
		return nil
	}
	<-e.exited
	r.closeSession(ctx, e)
	if _, err := r.store.Transition(ctx, id, domain.ConnDisconnected, map[string]any{domain.MetaQRCode: nil}); err != nil {
		return fmt.Errorf("connection %s: %w", id, err)
	}
	r.log.Info("session disconnected", logx.String("connection_id", id))
	return nil
}

// Sessions lists registered connection ids.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every session and stops accepting new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Disconnect(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.sup.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// detach unregisters e and stops its pump. Only the first caller wins.
func (r *Registry) detach(e *entry) bool {
	if !e.closing.CompareAndSwap(false, true) {
		return false
	}
	r.mu.Lock()
	if r.sessions[e.id] == e {
		delete(r.sessions, e.id)
	}
	r.mu.Unlock()
	close(e.done)
	return true
}

// abandon drops an entry that never got a session.
func (r *Registry) abandon(e *entry) {
	if r.detach(e) {
		<-e.exited
	}
}

// fail tears down a session that could not be opened and records ERROR.
func (r *Registry) fail(ctx context.Context, e *entry, cause error) {
	if !r.detach(e) {
		return
	}
	<-e.exited
	r.closeSession(ctx, e)
	r.writeError(e.id, cause)
}

func (r *Registry) closeSession(ctx context.Context, e *entry) {
	r.mu.Lock()
	s := e.session
	r.mu.Unlock()
	if s == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := s.Close(cctx); err != nil {
		r.log.Warn("session close failed", logx.String("connection_id", e.id), logx.Err(err))
	}
}

func (r *Registry) writeError(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := r.store.Transition(ctx, id, domain.ConnError, map[string]any{domain.MetaError: msg}); err != nil {
		r.log.Error("connection state write failed", logx.String("connection_id", id), logx.Err(err))
	}
	r.log.Warn("session failed", logx.String("connection_id", id), logx.Err(cause))
}

// pump applies session events in order until the entry is detached.
func (r *Registry) pump(e *entry) {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			if stop := r.handle(e, ev); stop {
				return
			}
		}
	}
}

// handle applies one event. It returns true when the session ended.
func (r *Registry) handle(e *entry, ev Event) bool {
	log := r.log.With(logx.String("connection_id", e.id), logx.String("event", ev.Kind.String()))
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()

	transition := func(status domain.ConnStatus, patch map[string]any) {
		if _, err := r.store.Transition(ctx, e.id, status, patch); err != nil {
			log.Error("connection state write failed", logx.String("status", string(status)), logx.Err(err))
		}
	}

	switch ev.Kind {
	case EventPairing:
		transition(domain.ConnConnecting, map[string]any{domain.MetaQRCode: ev.QRCode})
	case EventReady:
		patch := map[string]any{}
		if ev.Phone != "" {
			patch[domain.MetaPhone] = ev.Phone
		}
		if ev.Device != "" {
			patch[domain.MetaDevice] = ev.Device
		}
		transition(domain.ConnConnected, patch)
	case EventReconnecting:
		transition(domain.ConnConnecting, nil)
	case EventClosed:
		if !r.detach(e) {
			return true
		}
		r.closeSession(ctx, e)
		transition(domain.ConnDisconnected, map[string]any{domain.MetaQRCode: nil})
		log.Info("session closed by remote")
		return true
	case EventFailed:
		if !r.detach(e) {
			return true
		}
		r.closeSession(ctx, e)
		r.writeError(e.id, ev.Err)
		return true
	case EventMessage:
		if ev.Message == nil {
			return false
		}
		msg := *ev.Message
		msg.ConnectionID = e.id
		msg.Channel = e.channel
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.InboundMessage, Time: msg.ReceivedAt, Data: msg})
		r.hmu.RLock()
		handlers := append([]InboundHandler(nil), r.handlers...)
		r.hmu.RUnlock()
		for _, h := range handlers {
			h(ctx, msg)
		}
	}
	return false
}
