package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

const (
	ProviderGateway = "gateway"

	DefaultPollInterval   = 2 * time.Second
	defaultGatewayTimeout = 15 * time.Second
	maxPollFailures       = 5
)

// Gateway session states as reported by GET /sessions/{id}/status.
const (
	gwStarting = "STARTING"
	gwScanQR   = "SCAN_QR"
	gwWorking  = "WORKING"
	gwFailed   = "FAILED"
	gwStopped  = "STOPPED"
)

// GatewayOptions points the backend at a paired-device WhatsApp gateway.
type GatewayOptions struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// NewGatewayFactory returns sessions that drive a multi-device gateway over
// REST. Connect credentials are forwarded to the gateway's start call; an
// "apiKey" credential overrides the configured key.
func NewGatewayFactory(opts GatewayOptions) channel.Factory {
	return func(cfg channel.SessionConfig) (channel.Session, error) {
		base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
		if base == "" {
			return nil, errors.New("whatsapp gateway: base url is not configured")
		}
		key := cfg.Credentials.String("apiKey", "api_key")
		if key == "" {
			key = opts.APIKey
		}
		interval := opts.PollInterval
		if interval <= 0 {
			interval = DefaultPollInterval
		}
		hc := opts.HTTPClient
		if hc == nil {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = defaultGatewayTimeout
			}
			hc = &http.Client{Timeout: timeout}
		}
		log := cfg.Logger
		if log.IsZero() {
			log = logx.Nop()
		}
		return &gatewaySession{
			id:       cfg.ConnectionID,
			base:     base,
			key:      key,
			interval: interval,
			http:     hc,
			creds:    cfg.Credentials,
			log:      log.With(logx.String("backend", "whatsapp.gateway")),
		}, nil
	}
}

type gatewaySession struct {
	id       string
	base     string
	key      string
	interval time.Duration
	http     *http.Client
	creds    channel.Credentials
	log      logx.Logger

	connected atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   bool
}

type gatewayStatus struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
	Me     *struct {
		ID       string `json:"id"`
		PushName string `json:"pushName"`
	} `json:"me,omitempty"`
	Error string `json:"error,omitempty"`
}

// gatewayError is a non-2xx gateway response.
type gatewayError struct {
	status int
	msg    string
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("whatsapp gateway: http %d: %s", e.status, e.msg)
}

func (s *gatewaySession) sessionPath(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

// Open asks the gateway to start the session and begins polling its status.
// Pairing codes and liveness changes are reported through emit.
func (s *gatewaySession) Open(ctx context.Context, emit func(channel.Event)) error {
	body := map[string]any{"name": s.id}
	if len(s.creds) > 0 {
		cfg := map[string]any{}
		for k, v := range s.creds {
			if k == "apiKey" || k == "api_key" {
				continue
			}
			cfg[k] = v
		}
		body["config"] = cfg
	}
	if err := s.call(ctx, http.MethodPost, s.sessionPath("/start"), body, nil); err != nil {
		return fmt.Errorf("whatsapp gateway: start session %s: %w", s.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("whatsapp gateway: session closed while starting")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.poll(loopCtx, s.loopDone, emit)
	return nil
}

func (s *gatewaySession) poll(ctx context.Context, done chan struct{}, emit func(channel.Event)) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()

	var last gatewayStatus
	failures := 0
	for {
		var st gatewayStatus
		err := s.call(ctx, http.MethodGet, s.sessionPath("/status"), nil, &st)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			failures++
			var ge *gatewayError
			if errors.As(err, &ge) && (ge.status == http.StatusUnauthorized || ge.status == http.StatusNotFound) {
				s.connected.Store(false)
				emit(channel.Event{Kind: channel.EventFailed, Err: err})
				return
			}
			if failures == maxPollFailures && s.connected.Swap(false) {
				s.log.Warn("gateway unreachable; session marked reconnecting", logx.Err(err))
				emit(channel.Event{Kind: channel.EventReconnecting})
			}
		default:
			failures = 0
			if stop := s.observe(last, st, emit); stop {
				return
			}
			last = st
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// observe turns one status sample into events. It returns true once the
// gateway session has ended.
func (s *gatewaySession) observe(prev, cur gatewayStatus, emit func(channel.Event)) bool {
	switch cur.Status {
	case gwScanQR:
		s.connected.Store(false)
		if cur.QR != "" && (prev.Status != gwScanQR || cur.QR != prev.QR) {
			emit(channel.Event{Kind: channel.EventPairing, QRCode: cur.QR})
		}
	case gwWorking:
		if prev.Status != gwWorking {
			s.connected.Store(true)
			ev := channel.Event{Kind: channel.EventReady}
			if cur.Me != nil {
				ev.Phone = bareNumber(cur.Me.ID)
				ev.Device = cur.Me.PushName
			}
			emit(ev)
		}
	case gwStarting:
		if prev.Status == gwWorking {
			s.connected.Store(false)
			emit(channel.Event{Kind: channel.EventReconnecting})
		}
	case gwFailed:
		s.connected.Store(false)
		msg := cur.Error
		if msg == "" {
			msg = "gateway reported session failure"
		}
		emit(channel.Event{Kind: channel.EventFailed, Err: errors.New(msg)})
		return true
	case gwStopped:
		s.connected.Store(false)
		emit(channel.Event{Kind: channel.EventClosed})
		return true
	}
	return false
}

func (s *gatewaySession) Connected() bool { return s.connected.Load() }

func (s *gatewaySession) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	if !s.connected.Load() {
		return "", channel.ErrNotConnected
	}
	body, err := gatewayMessage(chatID(to), content)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, http.MethodPost, s.sessionPath("/messages"), body, &resp); err != nil {
		var ge *gatewayError
		if errors.As(err, &ge) && ge.status == http.StatusConflict {
			// The gateway answers 409 when the session is not WORKING.
			s.connected.Store(false)
			return "", fmt.Errorf("%w: %v", channel.ErrNotConnected, err)
		}
		return "", err
	}
	return resp.ID, nil
}

// Close stops polling and asks the gateway to stop the session. Safe to call
// more than once.
func (s *gatewaySession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.loopDone
	s.mu.Unlock()

	s.connected.Store(false)
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.call(ctx, http.MethodPost, s.sessionPath("/stop"), nil, nil); err != nil {
		s.log.Debug("gateway stop failed", logx.Err(err))
	}
	return nil
}

func (s *gatewaySession) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.key != "" {
		req.Header.Set("X-Api-Key", s.key)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return &gatewayError{status: resp.StatusCode, msg: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func gatewayMessage(chat string, c domain.Content) (map[string]any, error) {
	msg := map[string]any{"chatId": chat, "type": string(c.Kind)}
	switch c.Kind {
	case domain.ContentText:
		msg["text"] = c.Text
	case domain.ContentImage, domain.ContentAudio, domain.ContentVideo, domain.ContentDocument:
		msg["mediaUrl"] = c.MediaURL
		if c.Text != "" {
			msg["caption"] = c.Text
		}
		if c.FileName != "" {
			msg["fileName"] = c.FileName
		}
	case domain.ContentButtons:
		msg["text"] = c.Text
		msg["buttons"] = c.Buttons
	case domain.ContentList:
		if c.List == nil {
			return nil, fmt.Errorf("%w: list without sections", channel.ErrUnsupportedContent)
		}
		msg["text"] = c.Text
		msg["list"] = c.List
	default:
		return nil, fmt.Errorf("%w: %s", channel.ErrUnsupportedContent, c.Kind)
	}
	return msg, nil
}

// chatID addresses a personal chat unless the caller already chose a suffix
// (groups use "@g.us").
func chatID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return to + "@c.us"
}
