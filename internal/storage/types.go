package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dispatchd/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict reports a lost compare-and-set or a duplicate create.
	ErrConflict = errors.New("storage: conflict")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests and single-run tools)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via lib/pq; DSN is required
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Recoverable reports states a restarted runtime must pick up again.
func (s JobState) Recoverable() bool {
	return s == JobWaiting || s == JobActive || s == JobDelayed
}

// JobProgress is the partial-progress record a running job publishes.
type JobProgress struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// JobRecord is the durable state of one queued job.
type JobRecord struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Lane        string          `json:"lane,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	Progress    *JobProgress    `json:"progress,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	FinishedAt  time.Time       `json:"finishedAt,omitempty"`

	// Owner and LeaseUntil are set while a runtime holds the job active.
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
}

// ClaimableAt reports whether a runtime may take the job at t: it is waiting,
// its delay is over, or the lease of the runtime that held it ran out.
func (j JobRecord) ClaimableAt(t time.Time) bool {
	switch j.State {
	case JobWaiting:
		return true
	case JobDelayed:
		return !j.RunAt.After(t)
	case JobActive:
		return j.LeaseUntil.Before(t)
	}
	return false
}

type JobFilter struct {
	Queue  string
	States []JobState
	// ClaimableAt, when set, replaces States with the jobs claimable at that
	// time.
	ClaimableAt time.Time
	Limit       int
}

type MessageLogFilter struct {
	BroadcastID   string
	CampaignID    string
	AppointmentID string
	Limit         int
}

type Connections interface {
	GetConnection(ctx context.Context, id string) (domain.ConnectionRecord, error)
	// PutConnection writes rec if the stored revision still equals prev
	// (prev == 0 means the record must not exist yet). The stored copy, with
	// Revision = prev+1, is returned.
	PutConnection(ctx context.Context, rec domain.ConnectionRecord, prev uint64) (domain.ConnectionRecord, error)
}

type Broadcasts interface {
	CreateBroadcast(ctx context.Context, b domain.Broadcast) error
	GetBroadcast(ctx context.Context, id string) (domain.Broadcast, error)
	UpdateBroadcast(ctx context.Context, b domain.Broadcast) error
}

type MessageLog interface {
	AppendMessageLog(ctx context.Context, e domain.MessageLogEntry) error
	ListMessageLog(ctx context.Context, f MessageLogFilter) ([]domain.MessageLogEntry, error)
}

type Campaigns interface {
	SaveCampaign(ctx context.Context, c domain.ScheduledCampaign) error
	GetCampaign(ctx context.Context, id string) (domain.ScheduledCampaign, error)
}

type Appointments interface {
	SaveAppointment(ctx context.Context, a domain.Appointment) error
	GetAppointment(ctx context.Context, id string) (domain.Appointment, error)
	// MarkReminderSent flips reminderSent from false to true. It returns false
	// when the flag was already set.
	MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error)
}

// DueIndex is the time-ordered deferred-work index. An entry is keyed by
// (kind, refID); adding an existing key moves its due time.
type DueIndex interface {
	AddDue(ctx context.Context, item domain.DueItem) error
	DueBefore(ctx context.Context, kind domain.DueKind, t time.Time, limit int) ([]domain.DueItem, error)
	// ClaimDue removes exactly the entry that was read. Only one caller can
	// win the claim for a given entry.
	ClaimDue(ctx context.Context, item domain.DueItem) (bool, error)
	RemoveDue(ctx context.Context, kind domain.DueKind, refID string) error
}

type Jobs interface {
	// SaveJob inserts or replaces a job. Producers use it; a runtime that
	// holds a job writes through UpdateJob.
	SaveJob(ctx context.Context, j JobRecord) error
	// ClaimJob makes owner the only holder of a claimable job: the job turns
	// active, its attempt count goes up by one and its lease runs until
	// leaseUntil. It returns false when the job was not claimable at now.
	ClaimJob(ctx context.Context, id, owner string, now, leaseUntil time.Time) (JobRecord, bool, error)
	// UpdateJob writes j only while owner still holds it active. It returns
	// ErrConflict otherwise.
	UpdateJob(ctx context.Context, j JobRecord, owner string) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	ListJobs(ctx context.Context, f JobFilter) ([]JobRecord, error)
}

// Store is the persistence API used by the dispatch engine.
type Store interface {
	Connections
	Broadcasts
	MessageLog
	Campaigns
	Appointments
	DueIndex
	Jobs
	Close() error
}
