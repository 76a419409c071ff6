// Package ops serves internal diagnostics over HTTP: queue and job state,
// broadcast progress, connection records and pprof.
//
// Security: bind to loopback (the default). A non-loopback Addr needs Token
// or AllowInsecure.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/jobqueue"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9090"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	IdleTimeout   time.Duration
}

type Queues interface {
	Snapshot() jobqueue.Snapshot
	Job(ctx context.Context, id string) (storage.JobRecord, error)
}

type Broadcasts interface {
	GetBroadcast(ctx context.Context, id string) (domain.Broadcast, error)
}

type Connections interface {
	Get(ctx context.Context, id string) (domain.ConnectionRecord, error)
	PairingArtifact(id string) (string, bool)
}

// Sources are the read-only views the endpoints render. Runtime may be nil.
type Sources struct {
	Queues      Queues
	Broadcasts  Broadcasts
	Connections Connections
	Runtime     func() any
}

type Server struct {
	log logx.Logger
	src Sources

	mu       sync.Mutex
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(src Sources, log logx.Logger) *Server {
	return &Server{src: src, log: log.With(logx.String("comp", "ops"))}
}

// Addr is the bound listen address, empty while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Apply starts, stops or restarts the server for cfg. Safe during hot reload.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return nil
		}
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		cfg := s.cfg
		s.mu.Unlock()

		if !cfg.Enabled {
			return nil
		}
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			addr = DefaultAddr
		}
		open := isLoopbackAddr(addr)
		if !open && cfg.Token == "" {
			if !cfg.AllowInsecure {
				s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
				return errInsecure
			}
			s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
			return err
		}
		srv := &http.Server{
			Handler:           s.Handler(cfg),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       cfg.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ops server stopped with error", logx.Err(err))
			}
		}()
		s.log.Info("ops server started", logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	_ = ln.Close()
	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

var errInsecure = errors.New("ops: non-loopback addr requires token or allow_insecure")

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
