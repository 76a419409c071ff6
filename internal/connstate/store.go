package connstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

const (
	DefaultQRTTL = 120 * time.Second

	maxCASRetries = 8
)

// Options configures a Store. Zero values select defaults.
type Options struct {
	QRTTL        time.Duration
	CacheEntries int
	Bus          eventbus.Bus
	Logger       logx.Logger
}

// Store is the single write path for connection records. Writes are
// compare-and-set on the record revision and retried on conflict, so
// concurrent lifecycle callbacks never overwrite a newer state with a stale
// one.
type Store struct {
	repo  storage.Connections
	cache *ttlCache
	qrTTL time.Duration
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(repo storage.Connections, opts Options) *Store {
	if opts.QRTTL <= 0 {
		opts.QRTTL = DefaultQRTTL
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	return &Store{
		repo:  repo,
		cache: newTTLCache(opts.CacheEntries),
		qrTTL: opts.QRTTL,
		bus:   opts.Bus,
		log:   opts.Logger.With(logx.String("comp", "connstate")),
		now:   time.Now,
	}
}

// Change is published on the event bus after every committed write.
type Change struct {
	Previous domain.ConnStatus
	Record   domain.ConnectionRecord
}

func qrKey(id string) string { return "qr:" + id }

func (s *Store) Get(ctx context.Context, id string) (domain.ConnectionRecord, error) {
	return s.repo.GetConnection(ctx, id)
}

// PairingArtifact serves the latest pairing code from the side cache only.
// A miss does not mean the record has none.
func (s *Store) PairingArtifact(id string) (string, bool) {
	return s.cache.Get(qrKey(id))
}

// BeginRequest identifies the session that is about to connect.
type BeginRequest struct {
	ID       string
	TenantID string
	Channel  domain.Channel
	Provider string
}

// Begin moves the record to CONNECTING, creating it when missing. Pairing
// and error leftovers from an earlier session are cleared.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (domain.ConnectionRecord, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := s.repo.GetConnection(ctx, req.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rec := domain.ConnectionRecord{
				ID:        req.ID,
				TenantID:  req.TenantID,
				Channel:   req.Channel,
				Provider:  req.Provider,
				Status:    domain.ConnConnecting,
				Meta:      map[string]any{},
				UpdatedAt: s.now(),
			}
			stored, err := s.repo.PutConnection(ctx, rec, 0)
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			if err != nil {
				return domain.ConnectionRecord{}, err
			}
			s.cache.Delete(qrKey(req.ID))
			s.publish("", stored)
			return stored, nil
		case err != nil:
			return domain.ConnectionRecord{}, err
		}

		next := cur.Clone()
		if next.Meta == nil {
			next.Meta = map[string]any{}
		}
		if req.TenantID != "" {
			next.TenantID = req.TenantID
		}
		next.Channel = req.Channel
		next.Provider = req.Provider
		next.Status = domain.ConnConnecting
		delete(next.Meta, domain.MetaQRCode)
		delete(next.Meta, domain.MetaError)
		next.UpdatedAt = s.now()

		stored, err := s.repo.PutConnection(ctx, next, cur.Revision)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.ConnectionRecord{}, err
		}
		s.cache.Delete(qrKey(req.ID))
		s.publish(cur.Status, stored)
		return stored, nil
	}
	return domain.ConnectionRecord{}, fmt.Errorf("connection %s: %w after %d attempts", req.ID, storage.ErrConflict, maxCASRetries)
}

// Transition applies status and patch to the record. A nil patch value
// deletes the key.
//
// CONNECTED removes the pairing artifact from meta and from the side cache.
// ERROR moves the prior pairing artifact into meta.error together with the
// error message (patch[meta.error], when given).
func (s *Store) Transition(ctx context.Context, id string, status domain.ConnStatus, patch map[string]any) (domain.ConnectionRecord, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := s.repo.GetConnection(ctx, id)
		if err != nil {
			return domain.ConnectionRecord{}, err
		}
		next := apply(cur, status, patch)
		next.UpdatedAt = s.now()

		stored, err := s.repo.PutConnection(ctx, next, cur.Revision)
		if errors.Is(err, storage.ErrConflict) {
			s.log.Debug("connection write conflict; retrying",
				logx.String("connection_id", id), logx.Uint64("revision", cur.Revision), logx.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return domain.ConnectionRecord{}, err
		}
		s.syncCache(stored, patch)
		s.publish(cur.Status, stored)
		return stored, nil
	}
	return domain.ConnectionRecord{}, fmt.Errorf("connection %s: %w after %d attempts", id, storage.ErrConflict, maxCASRetries)
}

func apply(cur domain.ConnectionRecord, status domain.ConnStatus, patch map[string]any) domain.ConnectionRecord {
	next := cur.Clone()
	if next.Meta == nil {
		next.Meta = map[string]any{}
	}
	priorQR := cur.MetaString(domain.MetaQRCode)

	var errMsg any
	for k, v := range patch {
		if k == domain.MetaError && status == domain.ConnError {
			errMsg = v
			continue
		}
		if v == nil {
			delete(next.Meta, k)
			continue
		}
		next.Meta[k] = v
	}
	next.Status = status

	switch status {
	case domain.ConnConnected:
		delete(next.Meta, domain.MetaQRCode)
		delete(next.Meta, domain.MetaError)
	case domain.ConnError:
		detail := map[string]any{}
		if errMsg != nil {
			detail["message"] = errMsg
		}
		if priorQR != "" {
			detail[domain.MetaQRCode] = priorQR
		}
		next.Meta[domain.MetaError] = detail
		delete(next.Meta, domain.MetaQRCode)
	}
	return next
}

// syncCache refreshes qr:<id> only when the write carried a new artifact, so
// the TTL counts from when the code was issued.
func (s *Store) syncCache(rec domain.ConnectionRecord, patch map[string]any) {
	key := qrKey(rec.ID)
	qr := rec.MetaString(domain.MetaQRCode)
	if rec.Status != domain.ConnConnecting || qr == "" {
		s.cache.Delete(key)
		return
	}
	if _, ok := patch[domain.MetaQRCode]; ok {
		s.cache.Set(key, qr, s.qrTTL)
	}
}

func (s *Store) publish(prev domain.ConnStatus, rec domain.ConnectionRecord) {
	if prev != rec.Status {
		s.log.Info("connection status changed",
			logx.String("connection_id", rec.ID),
			logx.String("channel", string(rec.Channel)),
			logx.String("from", string(prev)),
			logx.String("to", string(rec.Status)),
			logx.Uint64("revision", rec.Revision),
		)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ConnectionChanged, Time: rec.UpdatedAt, Data: Change{Previous: prev, Record: rec}})
}
