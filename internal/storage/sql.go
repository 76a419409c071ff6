package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dispatchd/internal/domain"
	logx "dispatchd/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// dialect captures the few differences between the SQL drivers.
type dialect struct {
	name        string
	dollarBinds bool
	isDuplicate func(error) bool
}

// sqlStore is the database/sql implementation shared by sqlite and postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	seq     atomic.Int64
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d, log: log}
	s.seq.Store(time.Now().UnixNano())
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		return nil, fmt.Errorf("%s migrate: %w", d.name, err)
	}
	return s, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for drivers that need it.
func (s *sqlStore) rebind(q string) string {
	if !s.dialect.dollarBinds {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *sqlStore) duplicate(err error) error {
	if err != nil && s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
		return ErrConflict
	}
	return err
}

// ---- connections ----

func (s *sqlStore) GetConnection(ctx context.Context, id string) (domain.ConnectionRecord, error) {
	var (
		rec     domain.ConnectionRecord
		channel string
		status  string
		meta    string
		updated int64
	)
	err := s.queryRow(ctx,
		`SELECT id, tenant_id, channel, provider, status, meta, revision, updated_at FROM connections WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.TenantID, &channel, &rec.Provider, &status, &meta, &rec.Revision, &updated)
	if err != nil {
		return domain.ConnectionRecord{}, notFound(err)
	}
	rec.Channel = domain.Channel(channel)
	rec.Status = domain.ConnStatus(status)
	rec.UpdatedAt = fromMillis(updated)
	if err := unmarshalText(meta, &rec.Meta); err != nil {
		return domain.ConnectionRecord{}, fmt.Errorf("connection %s meta: %w", id, err)
	}
	return rec, nil
}

func (s *sqlStore) PutConnection(ctx context.Context, rec domain.ConnectionRecord, prev uint64) (domain.ConnectionRecord, error) {
	meta, err := marshalText(rec.Meta, "{}")
	if err != nil {
		return domain.ConnectionRecord{}, err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec.Revision = prev + 1

	var res sql.Result
	if prev == 0 {
		res, err = s.exec(ctx,
			`INSERT INTO connections(id, tenant_id, channel, provider, status, meta, revision, updated_at)
			 VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.TenantID, string(rec.Channel), rec.Provider, string(rec.Status), meta, rec.Revision, millis(rec.UpdatedAt),
		)
	} else {
		res, err = s.exec(ctx,
			`UPDATE connections SET tenant_id = ?, channel = ?, provider = ?, status = ?, meta = ?, revision = ?, updated_at = ?
			 WHERE id = ? AND revision = ?`,
			rec.TenantID, string(rec.Channel), rec.Provider, string(rec.Status), meta, rec.Revision, millis(rec.UpdatedAt),
			rec.ID, prev,
		)
	}
	if err != nil {
		return domain.ConnectionRecord{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.ConnectionRecord{}, err
	} else if n != 1 {
		return domain.ConnectionRecord{}, ErrConflict
	}
	return rec.Clone(), nil
}

// ---- broadcasts ----

func (s *sqlStore) CreateBroadcast(ctx context.Context, b domain.Broadcast) error {
	stats, err := marshalText(b.Stats, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO broadcasts(id, tenant_id, connection_id, channel, status, stats, created_at, updated_at, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.TenantID, b.ConnectionID, string(b.Channel), string(b.Status), stats,
		millis(b.CreatedAt), millis(b.UpdatedAt), millis(b.StartedAt), millis(b.FinishedAt),
	)
	return s.duplicate(err)
}

func (s *sqlStore) GetBroadcast(ctx context.Context, id string) (domain.Broadcast, error) {
	var (
		b                                   domain.Broadcast
		channel, status, stats              string
		created, updated, started, finished int64
	)
	err := s.queryRow(ctx,
		`SELECT id, tenant_id, connection_id, channel, status, stats, created_at, updated_at, started_at, finished_at
		 FROM broadcasts WHERE id = ?`, id,
	).Scan(&b.ID, &b.TenantID, &b.ConnectionID, &channel, &status, &stats, &created, &updated, &started, &finished)
	if err != nil {
		return domain.Broadcast{}, notFound(err)
	}
	b.Channel = domain.Channel(channel)
	b.Status = domain.BroadcastStatus(status)
	b.CreatedAt, b.UpdatedAt = fromMillis(created), fromMillis(updated)
	b.StartedAt, b.FinishedAt = fromMillis(started), fromMillis(finished)
	if err := unmarshalText(stats, &b.Stats); err != nil {
		return domain.Broadcast{}, fmt.Errorf("broadcast %s stats: %w", id, err)
	}
	return b, nil
}

func (s *sqlStore) UpdateBroadcast(ctx context.Context, b domain.Broadcast) error {
	stats, err := marshalText(b.Stats, "{}")
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE broadcasts SET status = ?, stats = ?, updated_at = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(b.Status), stats, millis(b.UpdatedAt), millis(b.StartedAt), millis(b.FinishedAt), b.ID,
	)
	return affectedOne(res, err)
}

// ---- message log ----

func (s *sqlStore) AppendMessageLog(ctx context.Context, e domain.MessageLogEntry) error {
	_, err := s.exec(ctx,
		`INSERT INTO message_log(id, broadcast_id, campaign_id, appointment_id, contact_id, recipient, channel, status, error, provider_message_id, sent_at, seq)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.BroadcastID, e.CampaignID, e.AppointmentID, e.ContactID, e.Recipient, string(e.Channel), string(e.Status),
		e.Error, e.ProviderMessageID, millis(e.SentAt), s.seq.Add(1),
	)
	return s.duplicate(err)
}

func (s *sqlStore) ListMessageLog(ctx context.Context, f MessageLogFilter) ([]domain.MessageLogEntry, error) {
	q := `SELECT id, broadcast_id, campaign_id, appointment_id, contact_id, recipient, channel, status, error, provider_message_id, sent_at
	      FROM message_log WHERE 1 = 1`
	var args []any
	if f.BroadcastID != "" {
		q += ` AND broadcast_id = ?`
		args = append(args, f.BroadcastID)
	}
	if f.CampaignID != "" {
		q += ` AND campaign_id = ?`
		args = append(args, f.CampaignID)
	}
	if f.AppointmentID != "" {
		q += ` AND appointment_id = ?`
		args = append(args, f.AppointmentID)
	}
	q += ` ORDER BY seq`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MessageLogEntry
	for rows.Next() {
		var (
			e               domain.MessageLogEntry
			channel, status string
			sent            int64
		)
		if err := rows.Scan(&e.ID, &e.BroadcastID, &e.CampaignID, &e.AppointmentID, &e.ContactID, &e.Recipient,
			&channel, &status, &e.Error, &e.ProviderMessageID, &sent); err != nil {
			return nil, err
		}
		e.Channel = domain.Channel(channel)
		e.Status = domain.DeliveryStatus(status)
		e.SentAt = fromMillis(sent)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- campaigns ----

func (s *sqlStore) SaveCampaign(ctx context.Context, c domain.ScheduledCampaign) error {
	contacts, err := marshalText(c.Contacts, "[]")
	if err != nil {
		return err
	}
	messages, err := marshalText(c.Messages, "[]")
	if err != nil {
		return err
	}
	stats, err := marshalText(c.Stats, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO campaigns(id, tenant_id, connection_id, channel, contacts, messages, delay_seconds, jitter, status, stats, scheduled_at, updated_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, connection_id = excluded.connection_id,
		   channel = excluded.channel, contacts = excluded.contacts, messages = excluded.messages,
		   delay_seconds = excluded.delay_seconds, jitter = excluded.jitter, status = excluded.status,
		   stats = excluded.stats, scheduled_at = excluded.scheduled_at, updated_at = excluded.updated_at,
		   finished_at = excluded.finished_at`,
		c.ID, c.TenantID, c.ConnectionID, string(c.Channel), contacts, messages, c.DelaySeconds, c.Jitter,
		string(c.Status), stats, millis(c.ScheduledAt), millis(c.UpdatedAt), millis(c.FinishedAt),
	)
	return err
}

func (s *sqlStore) GetCampaign(ctx context.Context, id string) (domain.ScheduledCampaign, error) {
	var (
		c                              domain.ScheduledCampaign
		channel, contacts, messages    string
		status, stats                  string
		scheduled, updated, finishedAt int64
	)
	err := s.queryRow(ctx,
		`SELECT id, tenant_id, connection_id, channel, contacts, messages, delay_seconds, jitter, status, stats, scheduled_at, updated_at, finished_at
		 FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &c.ConnectionID, &channel, &contacts, &messages, &c.DelaySeconds, &c.Jitter,
		&status, &stats, &scheduled, &updated, &finishedAt)
	if err != nil {
		return domain.ScheduledCampaign{}, notFound(err)
	}
	c.Channel = domain.Channel(channel)
	c.Status = domain.CampaignStatus(status)
	c.ScheduledAt, c.UpdatedAt, c.FinishedAt = fromMillis(scheduled), fromMillis(updated), fromMillis(finishedAt)
	if err := unmarshalText(contacts, &c.Contacts); err != nil {
		return domain.ScheduledCampaign{}, fmt.Errorf("campaign %s contacts: %w", id, err)
	}
	if err := unmarshalText(messages, &c.Messages); err != nil {
		return domain.ScheduledCampaign{}, fmt.Errorf("campaign %s messages: %w", id, err)
	}
	if err := unmarshalText(stats, &c.Stats); err != nil {
		return domain.ScheduledCampaign{}, fmt.Errorf("campaign %s stats: %w", id, err)
	}
	return c, nil
}

// ---- appointments ----

func (s *sqlStore) SaveAppointment(ctx context.Context, a domain.Appointment) error {
	_, err := s.exec(ctx,
		`INSERT INTO appointments(id, tenant_id, contact_id, contact_name, recipient, title, starts_at, remind_at, reminder_sent, reminder_sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET tenant_id = excluded.tenant_id, contact_id = excluded.contact_id,
		   contact_name = excluded.contact_name, recipient = excluded.recipient, title = excluded.title,
		   starts_at = excluded.starts_at, remind_at = excluded.remind_at,
		   reminder_sent = excluded.reminder_sent, reminder_sent_at = excluded.reminder_sent_at`,
		a.ID, a.TenantID, a.ContactID, a.ContactName, a.Recipient, a.Title,
		millis(a.StartsAt), millis(a.RemindAt), boolInt(a.ReminderSent), millis(a.ReminderSentAt),
	)
	return err
}

func (s *sqlStore) GetAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	var (
		a                      domain.Appointment
		starts, remind, sentAt int64
		sent                   int
	)
	err := s.queryRow(ctx,
		`SELECT id, tenant_id, contact_id, contact_name, recipient, title, starts_at, remind_at, reminder_sent, reminder_sent_at
		 FROM appointments WHERE id = ?`, id,
	).Scan(&a.ID, &a.TenantID, &a.ContactID, &a.ContactName, &a.Recipient, &a.Title, &starts, &remind, &sent, &sentAt)
	if err != nil {
		return domain.Appointment{}, notFound(err)
	}
	a.StartsAt, a.RemindAt, a.ReminderSentAt = fromMillis(starts), fromMillis(remind), fromMillis(sentAt)
	a.ReminderSent = sent != 0
	return a, nil
}

func (s *sqlStore) MarkReminderSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE appointments SET reminder_sent = 1, reminder_sent_at = ? WHERE id = ? AND reminder_sent = 0`,
		millis(at), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetAppointment(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ---- due index ----

func (s *sqlStore) AddDue(ctx context.Context, item domain.DueItem) error {
	_, err := s.exec(ctx,
		`INSERT INTO due_index(kind, ref_id, due_at) VALUES(?,?,?)
		 ON CONFLICT(kind, ref_id) DO UPDATE SET due_at = excluded.due_at`,
		string(item.Kind), item.RefID, millis(item.DueAt),
	)
	return err
}

func (s *sqlStore) DueBefore(ctx context.Context, kind domain.DueKind, t time.Time, limit int) ([]domain.DueItem, error) {
	q := `SELECT ref_id, due_at FROM due_index WHERE kind = ? AND due_at <= ? ORDER BY due_at, ref_id`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := s.query(ctx, q, string(kind), millis(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DueItem
	for rows.Next() {
		var (
			ref string
			at  int64
		)
		if err := rows.Scan(&ref, &at); err != nil {
			return nil, err
		}
		out = append(out, domain.DueItem{Kind: kind, RefID: ref, DueAt: fromMillis(at)})
	}
	return out, rows.Err()
}

func (s *sqlStore) ClaimDue(ctx context.Context, item domain.DueItem) (bool, error) {
	res, err := s.exec(ctx,
		`DELETE FROM due_index WHERE kind = ? AND ref_id = ? AND due_at = ?`,
		string(item.Kind), item.RefID, millis(item.DueAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) RemoveDue(ctx context.Context, kind domain.DueKind, refID string) error {
	_, err := s.exec(ctx, `DELETE FROM due_index WHERE kind = ? AND ref_id = ?`, string(kind), refID)
	return err
}

// ---- jobs ----

func (s *sqlStore) SaveJob(ctx context.Context, j JobRecord) error {
	progress, err := marshalProgress(j.Progress)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO jobs(id, queue, lane, payload, state, attempts, max_attempts, last_error, progress, run_at, created_at, updated_at, finished_at, owner, lease_until)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET queue = excluded.queue, lane = excluded.lane, payload = excluded.payload,
		   state = excluded.state, attempts = excluded.attempts, max_attempts = excluded.max_attempts,
		   last_error = excluded.last_error, progress = excluded.progress, run_at = excluded.run_at,
		   updated_at = excluded.updated_at, finished_at = excluded.finished_at,
		   owner = excluded.owner, lease_until = excluded.lease_until`,
		j.ID, j.Queue, j.Lane, string(j.Payload), string(j.State), j.Attempts, j.MaxAttempts, j.LastError, progress,
		millis(j.RunAt), millis(j.CreatedAt), millis(j.UpdatedAt), millis(j.FinishedAt), j.Owner, millis(j.LeaseUntil),
	)
	return err
}

// claimableSQL matches JobRecord.ClaimableAt; it takes the time twice.
const claimableSQL = `(state = 'waiting' OR (state = 'delayed' AND run_at <= ?) OR (state = 'active' AND lease_until < ?))`

func (s *sqlStore) ClaimJob(ctx context.Context, id, owner string, now, leaseUntil time.Time) (JobRecord, bool, error) {
	res, err := s.exec(ctx,
		`UPDATE jobs SET state = 'active', attempts = attempts + 1, owner = ?, lease_until = ?, updated_at = ?
		 WHERE id = ? AND `+claimableSQL,
		owner, millis(leaseUntil), millis(now), id, millis(now), millis(now),
	)
	if err != nil {
		return JobRecord{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return JobRecord{}, false, err
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, j JobRecord, owner string) error {
	progress, err := marshalProgress(j.Progress)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE jobs SET state = ?, attempts = ?, max_attempts = ?, last_error = ?, progress = ?, run_at = ?,
		   updated_at = ?, finished_at = ?, owner = ?, lease_until = ?
		 WHERE id = ? AND owner = ? AND state = 'active'`,
		string(j.State), j.Attempts, j.MaxAttempts, j.LastError, progress, millis(j.RunAt),
		millis(j.UpdatedAt), millis(j.FinishedAt), j.Owner, millis(j.LeaseUntil),
		j.ID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func marshalProgress(p *JobProgress) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const jobColumns = `id, queue, lane, payload, state, attempts, max_attempts, last_error, progress, run_at, created_at, updated_at, finished_at, owner, lease_until`

func scanJob(scan func(dest ...any) error) (JobRecord, error) {
	var (
		j                                   JobRecord
		payload, state, progress            string
		runAt, created, updated, finishedAt int64
		leaseUntil                          int64
	)
	if err := scan(&j.ID, &j.Queue, &j.Lane, &payload, &state, &j.Attempts, &j.MaxAttempts, &j.LastError, &progress,
		&runAt, &created, &updated, &finishedAt, &j.Owner, &leaseUntil); err != nil {
		return JobRecord{}, err
	}
	j.Payload = json.RawMessage(payload)
	j.State = JobState(state)
	j.RunAt, j.CreatedAt = fromMillis(runAt), fromMillis(created)
	j.UpdatedAt, j.FinishedAt = fromMillis(updated), fromMillis(finishedAt)
	j.LeaseUntil = fromMillis(leaseUntil)
	if progress != "" {
		var p JobProgress
		if err := json.Unmarshal([]byte(progress), &p); err != nil {
			return JobRecord{}, fmt.Errorf("job %s progress: %w", j.ID, err)
		}
		j.Progress = &p
	}
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		return JobRecord{}, notFound(err)
	}
	return j, nil
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]JobRecord, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.Queue != "" {
		q += ` AND queue = ?`
		args = append(args, f.Queue)
	}
	if !f.ClaimableAt.IsZero() {
		q += ` AND ` + claimableSQL
		args = append(args, millis(f.ClaimableAt), millis(f.ClaimableAt))
	} else if len(f.States) > 0 {
		q += ` AND state IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",") + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(f.Limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- helpers ----

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalText(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func unmarshalText(s string, dst any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
