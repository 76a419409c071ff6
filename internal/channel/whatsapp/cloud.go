package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"dispatchd/internal/channel"
	"dispatchd/internal/channel/graph"
	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

const ProviderCloud = "cloud"

// NewCloudFactory returns sessions backed by the WhatsApp Cloud API. The
// connect credentials carry the access token and the phone number id.
func NewCloudFactory(opts graph.Options) channel.Factory {
	return func(cfg channel.SessionConfig) (channel.Session, error) {
		token := cfg.Credentials.String("accessToken", "access_token", "token")
		phoneID := cfg.Credentials.String("phoneNumberId", "phone_number_id", "phoneId")
		if token == "" || phoneID == "" {
			return nil, errors.New("whatsapp cloud: accessToken and phoneNumberId are required")
		}
		log := cfg.Logger
		if log.IsZero() {
			log = logx.Nop()
		}
		return &cloudSession{
			client:  graph.New(opts, token),
			phoneID: phoneID,
			log:     log.With(logx.String("backend", "whatsapp.cloud")),
		}, nil
	}
}

type cloudSession struct {
	client  *graph.Client
	phoneID string
	log     logx.Logger

	connected atomic.Bool
	mu        sync.Mutex
	emit      func(channel.Event)
	failed    bool
}

// Open verifies the credentials against the phone number resource. The Cloud
// API has no pairing step, so success means the session is ready.
func (s *cloudSession) Open(ctx context.Context, emit func(channel.Event)) error {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()

	var info struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		VerifiedName       string `json:"verified_name"`
	}
	q := url.Values{"fields": {"display_phone_number,verified_name"}}
	if err := s.client.Get(ctx, s.phoneID, q, &info); err != nil {
		return fmt.Errorf("whatsapp cloud: verify phone number %s: %w", s.phoneID, err)
	}
	s.connected.Store(true)
	emit(channel.Event{Kind: channel.EventReady, Phone: digitsOnly(info.DisplayPhoneNumber), Device: info.VerifiedName})
	return nil
}

func (s *cloudSession) Close(context.Context) error {
	s.connected.Store(false)
	return nil
}

func (s *cloudSession) Connected() bool { return s.connected.Load() }

func (s *cloudSession) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	if !s.connected.Load() {
		return "", channel.ErrNotConnected
	}
	body, err := cloudMessage(bareNumber(to), content)
	if err != nil {
		return "", err
	}
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := s.client.Post(ctx, s.phoneID+"/messages", body, &resp); err != nil {
		if graph.IsAuth(err) {
			s.lost(err)
			return "", fmt.Errorf("%w: %v", channel.ErrNotConnected, err)
		}
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	return resp.Messages[0].ID, nil
}

// lost reports a revoked token once; the registry tears the session down.
func (s *cloudSession) lost(err error) {
	s.connected.Store(false)
	s.mu.Lock()
	emit, first := s.emit, !s.failed
	s.failed = true
	s.mu.Unlock()
	if first && emit != nil {
		s.log.Warn("access token rejected", logx.Err(err))
		emit(channel.Event{Kind: channel.EventFailed, Err: err})
	}
}

func cloudMessage(to string, c domain.Content) (map[string]any, error) {
	msg := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch c.Kind {
	case domain.ContentText:
		msg["type"] = "text"
		msg["text"] = map[string]any{"preview_url": false, "body": c.Text}
	case domain.ContentImage, domain.ContentVideo, domain.ContentDocument:
		media := map[string]any{"link": c.MediaURL}
		if c.Text != "" {
			media["caption"] = c.Text
		}
		if c.Kind == domain.ContentDocument && c.FileName != "" {
			media["filename"] = c.FileName
		}
		msg["type"] = string(c.Kind)
		msg[string(c.Kind)] = media
	case domain.ContentAudio:
		msg["type"] = "audio"
		msg["audio"] = map[string]any{"link": c.MediaURL}
	case domain.ContentButtons:
		buttons := make([]map[string]any, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": b.ID, "title": b.Title},
			})
		}
		msg["type"] = "interactive"
		msg["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": c.Text},
			"action": map[string]any{"buttons": buttons},
		}
	case domain.ContentList:
		if c.List == nil {
			return nil, fmt.Errorf("%w: list without sections", channel.ErrUnsupportedContent)
		}
		label := c.List.ButtonText
		if label == "" {
			label = "Options"
		}
		msg["type"] = "interactive"
		msg["interactive"] = map[string]any{
			"type":   "list",
			"body":   map[string]any{"text": c.Text},
			"action": map[string]any{"button": label, "sections": c.List.Sections},
		}
	default:
		return nil, fmt.Errorf("%w: %s", channel.ErrUnsupportedContent, c.Kind)
	}
	return msg, nil
}

// bareNumber drops a chat suffix such as "@c.us".
func bareNumber(to string) string {
	if i := strings.IndexByte(to, '@'); i >= 0 {
		to = to[:i]
	}
	return to
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
