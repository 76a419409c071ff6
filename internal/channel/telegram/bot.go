// Package telegram is a channel backend for the Telegram Bot API built on
// telebot. Besides outbound sends it forwards inbound text messages to the
// registry's inbound handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"dispatchd/internal/channel"
	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

const (
	Provider = "bot"

	DefaultPollTimeout = 10 * time.Second
	stopGrace          = 2 * time.Second
)

type Options struct {
	// APIURL overrides the Bot API endpoint (tests, local Bot API servers).
	APIURL      string
	PollTimeout time.Duration
	HTTPClient  *http.Client
}

// NewFactory returns bot sessions. The connect credentials carry the bot token.
func NewFactory(opts Options) channel.Factory {
	return func(cfg channel.SessionConfig) (channel.Session, error) {
		token := cfg.Credentials.String("botToken", "token")
		if token == "" {
			return nil, errors.New("telegram: botToken is required")
		}
		timeout := opts.PollTimeout
		if timeout <= 0 {
			timeout = DefaultPollTimeout
		}
		log := cfg.Logger
		if log.IsZero() {
			log = logx.Nop()
		}
		return &session{
			settings: tele.Settings{
				URL:    opts.APIURL,
				Token:  token,
				Poller: &tele.LongPoller{Timeout: timeout},
				Client: opts.HTTPClient,
			},
			log: log.With(logx.String("backend", "telegram.bot")),
		}, nil
	}
}

type session struct {
	settings tele.Settings
	log      logx.Logger

	connected atomic.Bool

	mu      sync.Mutex
	bot     *tele.Bot
	running bool
	polling sync.WaitGroup
	closed  bool
	failed  bool
	emit    func(channel.Event)
}

// chatRef addresses a chat by numeric id or @username.
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

// Open authenticates the token (getMe) and starts long polling for inbound
// messages.
func (s *session) Open(ctx context.Context, emit func(channel.Event)) error {
	st := s.settings
	st.OnError = func(err error, _ tele.Context) {
		if isUnauthorized(err) {
			s.lost(err)
			return
		}
		s.log.Warn("telegram update error", logx.Err(err))
	}
	bot, err := tele.NewBot(st)
	if err != nil {
		return fmt.Errorf("telegram: authenticate bot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		msg := &channel.InboundMessage{
			From:              strconv.FormatInt(m.Chat.ID, 10),
			Text:              m.Text,
			ProviderMessageID: strconv.Itoa(m.ID),
			ReceivedAt:        m.Time(),
		}
		if m.Sender != nil {
			msg.Name = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
		}
		emit(channel.Event{Kind: channel.EventMessage, Message: msg})
		return nil
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("telegram: session closed while opening")
	}
	s.bot = bot
	s.emit = emit
	s.running = true
	s.polling.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.polling.Done()
		s.log.Info("polling started")
		bot.Start() // blocks until Stop
	}()

	s.connected.Store(true)
	device := ""
	if bot.Me != nil && bot.Me.Username != "" {
		device = "@" + bot.Me.Username
	}
	emit(channel.Event{Kind: channel.EventReady, Device: device})
	return nil
}

func (s *session) Connected() bool { return s.connected.Load() }

func (s *session) Send(ctx context.Context, to string, content domain.Content) (string, error) {
	if !s.connected.Load() {
		return "", channel.ErrNotConnected
	}
	s.mu.Lock()
	bot := s.bot
	s.mu.Unlock()

	what, opts, err := outbound(content)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := bot.Send(chatRef(to), what, opts)
	if err != nil {
		if isUnauthorized(err) {
			s.lost(err)
			return "", fmt.Errorf("%w: %v", channel.ErrNotConnected, err)
		}
		return "", err
	}
	return strconv.Itoa(m.ID), nil
}

// Close stops polling. telebot's Stop waits for the in-flight getUpdates, so
// shutdown gives it a short grace window and moves on.
func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bot, running := s.bot, s.running
	s.running = false
	s.mu.Unlock()

	s.connected.Store(false)
	if !running {
		return nil
	}
	go bot.Stop()

	done := make(chan struct{})
	go func() {
		s.polling.Wait()
		close(done)
	}()
	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		s.log.Info("polling stopped")
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.log.Warn("telegram stop grace elapsed; continuing")
	}
	return nil
}

func (s *session) lost(err error) {
	s.connected.Store(false)
	s.mu.Lock()
	emit, first := s.emit, !s.failed
	s.failed = true
	s.mu.Unlock()
	if first && emit != nil {
		s.log.Warn("bot token rejected", logx.Err(err))
		emit(channel.Event{Kind: channel.EventFailed, Err: err})
	}
}

func isUnauthorized(err error) bool {
	var te *tele.Error
	return errors.As(err, &te) && te.Code == http.StatusUnauthorized
}

func outbound(c domain.Content) (any, *tele.SendOptions, error) {
	opts := &tele.SendOptions{}
	file := tele.FromURL(c.MediaURL)
	switch c.Kind {
	case domain.ContentText:
		return c.Text, opts, nil
	case domain.ContentImage:
		return &tele.Photo{File: file, Caption: c.Text}, opts, nil
	case domain.ContentAudio:
		return &tele.Audio{File: file, Caption: c.Text}, opts, nil
	case domain.ContentVideo:
		return &tele.Video{File: file, Caption: c.Text}, opts, nil
	case domain.ContentDocument:
		return &tele.Document{File: file, Caption: c.Text, FileName: c.FileName}, opts, nil
	case domain.ContentButtons:
		rows := make([][]tele.InlineButton, 0, len(c.Buttons))
		for _, b := range c.Buttons {
			rows = append(rows, []tele.InlineButton{{Text: b.Title, Data: b.ID}})
		}
		opts.ReplyMarkup = &tele.ReplyMarkup{InlineKeyboard: rows}
		return c.Text, opts, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", channel.ErrUnsupportedContent, c.Kind)
	}
}
