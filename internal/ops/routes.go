package ops

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/internal/domain"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

// Handler builds the router for cfg. /healthz stays open; everything else
// requires the bearer token when one is configured.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		r.Route("/v1", func(r chi.Router) {
			r.Get("/queues", s.queues)
			r.Get("/jobs/{id}", s.job)
			r.Get("/broadcasts/{id}", s.broadcast)
			r.Get("/connections/{id}", s.connection)
			r.Get("/connections/{id}/qr", s.qr)
			r.Get("/runtime", s.runtime)
		})
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (s *Server) queues(w http.ResponseWriter, _ *http.Request) {
	if s.src.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queues unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.src.Queues.Snapshot())
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) {
	if s.src.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queues unavailable")
		return
	}
	rec, err := s.src.Queues.Job(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, rec, err)
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	if s.src.Broadcasts == nil {
		writeError(w, http.StatusServiceUnavailable, "broadcasts unavailable")
		return
	}
	b, err := s.src.Broadcasts.GetBroadcast(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, b, err)
}

func (s *Server) connection(w http.ResponseWriter, r *http.Request) {
	if s.src.Connections == nil {
		writeError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	rec, err := s.src.Connections.Get(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, rec, err)
}

// qr serves the pairing artifact from the side cache, falling back to the
// record's meta.
func (s *Server) qr(w http.ResponseWriter, r *http.Request) {
	if s.src.Connections == nil {
		writeError(w, http.StatusServiceUnavailable, "connections unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	code, ok := s.src.Connections.PairingArtifact(id)
	if !ok {
		rec, err := s.src.Connections.Get(r.Context(), id)
		if err != nil {
			s.reply(w, nil, err)
			return
		}
		code, _ = rec.Meta[domain.MetaQRCode].(string)
	}
	if code == "" {
		writeError(w, http.StatusNotFound, "no pairing code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"connectionId": id, "qrCode": code})
}

func (s *Server) runtime(w http.ResponseWriter, _ *http.Request) {
	if s.src.Runtime == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.src.Runtime())
}

func (s *Server) reply(w http.ResponseWriter, v any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.log.Warn("ops lookup failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request", logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()), logx.Duration("dur", time.Since(start)))
	})
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
