package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"dispatchd/internal/domain"
)

type dueKey struct {
	kind  domain.DueKind
	refID string
}

// Memory is a process-local Store. Values are deep-copied on the way in and
// out so callers never share maps or slices with the store.
type Memory struct {
	mu           sync.Mutex
	closed       bool
	connections  map[string]domain.ConnectionRecord
	broadcasts   map[string]domain.Broadcast
	messages     []domain.MessageLogEntry
	campaigns    map[string]domain.ScheduledCampaign
	appointments map[string]domain.Appointment
	due          map[dueKey]time.Time
	jobs         map[string]JobRecord
}

func NewMemory() *Memory {
	return &Memory{
		connections:  map[string]domain.ConnectionRecord{},
		broadcasts:   map[string]domain.Broadcast{},
		campaigns:    map[string]domain.ScheduledCampaign{},
		appointments: map[string]domain.Appointment{},
		due:          map[dueKey]time.Time{},
		jobs:         map[string]JobRecord{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) GetConnection(_ context.Context, id string) (domain.ConnectionRecord, error) {
	if err := m.lock(); err != nil {
		return domain.ConnectionRecord{}, err
	}
	defer m.mu.Unlock()
	rec, ok := m.connections[id]
	if !ok {
		return domain.ConnectionRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) PutConnection(_ context.Context, rec domain.ConnectionRecord, prev uint64) (domain.ConnectionRecord, error) {
	if err := m.lock(); err != nil {
		return domain.ConnectionRecord{}, err
	}
	defer m.mu.Unlock()
	cur, ok := m.connections[rec.ID]
	switch {
	case prev == 0 && ok:
		return domain.ConnectionRecord{}, ErrConflict
	case prev != 0 && (!ok || cur.Revision != prev):
		return domain.ConnectionRecord{}, ErrConflict
	}
	rec = rec.Clone()
	rec.Revision = prev + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.connections[rec.ID] = rec
	return rec.Clone(), nil
}

func (m *Memory) CreateBroadcast(_ context.Context, b domain.Broadcast) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.broadcasts[b.ID]; ok {
		return ErrConflict
	}
	m.broadcasts[b.ID] = b
	return nil
}

func (m *Memory) GetBroadcast(_ context.Context, id string) (domain.Broadcast, error) {
	if err := m.lock(); err != nil {
		return domain.Broadcast{}, err
	}
	defer m.mu.Unlock()
	b, ok := m.broadcasts[id]
	if !ok {
		return domain.Broadcast{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) UpdateBroadcast(_ context.Context, b domain.Broadcast) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.broadcasts[b.ID]; !ok {
		return ErrNotFound
	}
	m.broadcasts[b.ID] = b
	return nil
}

func (m *Memory) AppendMessageLog(_ context.Context, e domain.MessageLogEntry) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.messages = append(m.messages, e)
	return nil
}

func (m *Memory) ListMessageLog(_ context.Context, f MessageLogFilter) ([]domain.MessageLogEntry, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []domain.MessageLogEntry
	for _, e := range m.messages {
		if f.BroadcastID != "" && e.BroadcastID != f.BroadcastID {
			continue
		}
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.AppointmentID != "" && e.AppointmentID != f.AppointmentID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SaveCampaign(_ context.Context, c domain.ScheduledCampaign) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, id string) (domain.ScheduledCampaign, error) {
	if err := m.lock(); err != nil {
		return domain.ScheduledCampaign{}, err
	}
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ScheduledCampaign{}, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (m *Memory) SaveAppointment(_ context.Context, a domain.Appointment) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.appointments[a.ID] = a
	return nil
}

func (m *Memory) GetAppointment(_ context.Context, id string) (domain.Appointment, error) {
	if err := m.lock(); err != nil {
		return domain.Appointment{}, err
	}
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return domain.Appointment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) MarkReminderSent(_ context.Context, id string, at time.Time) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.ReminderSent {
		return false, nil
	}
	a.ReminderSent = true
	a.ReminderSentAt = at
	m.appointments[id] = a
	return true, nil
}

func (m *Memory) AddDue(_ context.Context, item domain.DueItem) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.due[dueKey{item.Kind, item.RefID}] = item.DueAt.Truncate(time.Millisecond)
	return nil
}

func (m *Memory) DueBefore(_ context.Context, kind domain.DueKind, t time.Time, limit int) ([]domain.DueItem, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []domain.DueItem
	for k, at := range m.due {
		if k.kind == kind && !at.After(t) {
			out = append(out, domain.DueItem{Kind: k.kind, RefID: k.refID, DueAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].RefID < out[j].RefID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimDue(_ context.Context, item domain.DueItem) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	k := dueKey{item.Kind, item.RefID}
	at, ok := m.due[k]
	if !ok || !at.Equal(item.DueAt.Truncate(time.Millisecond)) {
		return false, nil
	}
	delete(m.due, k)
	return true, nil
}

func (m *Memory) RemoveDue(_ context.Context, kind domain.DueKind, refID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.due, dueKey{kind, refID})
	return nil
}

func (m *Memory) SaveJob(_ context.Context, j JobRecord) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (JobRecord, error) {
	if err := m.lock(); err != nil {
		return JobRecord{}, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]JobRecord, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []JobRecord
	for _, j := range m.jobs {
		if f.Queue != "" && j.Queue != f.Queue {
			continue
		}
		if !f.ClaimableAt.IsZero() {
			if !j.ClaimableAt(f.ClaimableAt) {
				continue
			}
		} else if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ClaimJob(_ context.Context, id, owner string, now, leaseUntil time.Time) (JobRecord, bool, error) {
	if err := m.lock(); err != nil {
		return JobRecord{}, false, err
	}
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.ClaimableAt(now) {
		return JobRecord{}, false, nil
	}
	j.State = JobActive
	j.Attempts++
	j.Owner = owner
	j.LeaseUntil = leaseUntil
	j.UpdatedAt = now
	m.jobs[id] = j
	return cloneJob(j), true, nil
}

func (m *Memory) UpdateJob(_ context.Context, j JobRecord, owner string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok || cur.State != JobActive || cur.Owner != owner {
		return ErrConflict
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func cloneJob(j JobRecord) JobRecord {
	j.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Progress != nil {
		p := *j.Progress
		j.Progress = &p
	}
	return j
}

func cloneCampaign(c domain.ScheduledCampaign) domain.ScheduledCampaign {
	c.Contacts = slices.Clone(c.Contacts)
	c.Messages = slices.Clone(c.Messages)
	return c
}
