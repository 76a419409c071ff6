// Package meta delivers Facebook Messenger and Instagram Direct messages
// through the Graph Send API. Both channels share one backend; they differ only
// in which message shapes the platform accepts.
package meta

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"dispatchd/internal/channel"
	"dispatchd/internal/channel/graph"
	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

const Provider = "graph"

// NewFactory returns Send API sessions. The connect credentials carry the page
// id and a page access token.
func NewFactory(opts graph.Options) channel.Factory {
	return func(cfg channel.SessionConfig) (channel.Session, error) {
		if cfg.Channel != domain.ChannelFacebook && cfg.Channel != domain.ChannelInstagram {
			return nil, fmt.Errorf("meta: channel %q is not served by this backend", cfg.Channel)
		}
		token := cfg.Credentials.String("pageAccessToken", "accessToken", "access_token", "token")
		pageID := cfg.Credentials.String("pageId", "page_id", "instagramAccountId", "igUserId")
		if token == "" || pageID == "" {
			return nil, errors.New("meta: pageId and pageAccessToken are required")
		}
		log := cfg.Logger
		if log.IsZero() {
			log = logx.Nop()
		}
		return &session{
			channel: cfg.Channel,
			client:  graph.New(opts, token),
			pageID:  pageID,
			log:     log.With(logx.String("backend", "meta."+string(cfg.Channel))),
		}, nil
	}
}

type session struct {
	channel domain.Channel
	client  *graph.Client
	pageID  string
	log     logx.Logger

	connected atomic.Bool
	mu        sync.Mutex
	emit      func(channel.Event)
	failed    bool
}

func (s *session) Open(ctx context.Context, emit func(channel.Event)) error {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()

	var page struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	}
	if err := s.client.Get(ctx, s.pageID, url.Values{"fields": {"id,name,username"}}, &page); err != nil {
		return fmt.Errorf("meta: verify page %s: %w", s.pageID, err)
	}
	device := page.Name
	if device == "" {
		device = page.Username
	}
	s.connected.Store(true)
	emit(channel.Event{Kind: channel.EventReady, Device: device})
	return nil
}

func (s *session) Close(context.Context) error {
	s.connected.Store(false)
	return nil
}

func (s *session) Connected() bool { return s.connected.Load() }

// Send posts one or two Send API requests: media with a caption goes out as
// the attachment followed by the text. The id of the last request is returned.
func (s *session) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	if !s.connected.Load() {
		return "", channel.ErrNotConnected
	}
	msgs, err := s.messages(content)
	if err != nil {
		return "", err
	}
	var id string
	for _, m := range msgs {
		body := map[string]any{
			"recipient":      map[string]any{"id": to},
			"messaging_type": "UPDATE",
			"message":        m,
		}
		var resp struct {
			RecipientID string `json:"recipient_id"`
			MessageID   string `json:"message_id"`
		}
		if err := s.client.Post(ctx, s.pageID+"/messages", body, &resp); err != nil {
			if graph.IsAuth(err) {
				s.lost(err)
				return "", fmt.Errorf("%w: %v", channel.ErrNotConnected, err)
			}
			return "", err
		}
		id = resp.MessageID
	}
	return id, nil
}

func (s *session) lost(err error) {
	s.connected.Store(false)
	s.mu.Lock()
	emit, first := s.emit, !s.failed
	s.failed = true
	s.mu.Unlock()
	if first && emit != nil {
		s.log.Warn("page token rejected", logx.Err(err))
		emit(channel.Event{Kind: channel.EventFailed, Err: err})
	}
}

func (s *session) messages(c domain.Content) ([]map[string]any, error) {
	switch c.Kind {
	case domain.ContentText:
		return []map[string]any{{"text": c.Text}}, nil
	case domain.ContentImage, domain.ContentAudio, domain.ContentVideo, domain.ContentDocument:
		if c.Kind == domain.ContentDocument && s.channel == domain.ChannelInstagram {
			return nil, fmt.Errorf("%w: instagram does not accept documents", channel.ErrUnsupportedContent)
		}
		kind := string(c.Kind)
		if c.Kind == domain.ContentDocument {
			kind = "file"
		}
		out := []map[string]any{{
			"attachment": map[string]any{
				"type":    kind,
				"payload": map[string]any{"url": c.MediaURL, "is_reusable": true},
			},
		}}
		if c.Text != "" {
			out = append(out, map[string]any{"text": c.Text})
		}
		return out, nil
	case domain.ContentButtons:
		if s.channel == domain.ChannelInstagram {
			replies := make([]map[string]any, 0, len(c.Buttons))
			for _, b := range c.Buttons {
				replies = append(replies, map[string]any{"content_type": "text", "title": b.Title, "payload": b.ID})
			}
			return []map[string]any{{"text": c.Text, "quick_replies": replies}}, nil
		}
		buttons := make([]map[string]any, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			buttons = append(buttons, map[string]any{"type": "postback", "title": b.Title, "payload": b.ID})
		}
		return []map[string]any{{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "button",
					"text":          c.Text,
					"buttons":       buttons,
				},
			},
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %s on %s", channel.ErrUnsupportedContent, c.Kind, s.channel)
	}
}
