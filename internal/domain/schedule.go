package domain

import "time"

type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports a status the poller will never promote again.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

// ScheduledCampaign is a time-deferred send of Messages to Contacts. Messages
// rotate across contacts (contact i gets Messages[i%len]).
type ScheduledCampaign struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId,omitempty"`
	ConnectionID string            `json:"connectionId"`
	Channel      Channel           `json:"channel"`
	Contacts     []Recipient       `json:"contacts"`
	Messages     []MessageTemplate `json:"messages"`
	DelaySeconds float64           `json:"delaySeconds"`
	Jitter       float64           `json:"jitter,omitempty"`
	Status       CampaignStatus    `json:"status"`
	Stats        DispatchStats     `json:"stats"`
	ScheduledAt  time.Time         `json:"scheduledAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	FinishedAt   time.Time         `json:"finishedAt,omitempty"`
}

// Appointment carries a reminder that fires once at RemindAt.
type Appointment struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId,omitempty"`
	ContactID      string    `json:"contactId,omitempty"`
	ContactName    string    `json:"contactName,omitempty"`
	Recipient      string    `json:"recipient"`
	Title          string    `json:"title,omitempty"`
	StartsAt       time.Time `json:"startsAt"`
	RemindAt       time.Time `json:"remindAt"`
	ReminderSent   bool      `json:"reminderSent"`
	ReminderSentAt time.Time `json:"reminderSentAt,omitempty"`
}

// DueKind tells pollers which aggregate a due-index entry references.
type DueKind string

const (
	DueCampaign DueKind = "campaign"
	DueReminder DueKind = "reminder"
)

// DueItem is one entry of the due-index.
type DueItem struct {
	Kind  DueKind   `json:"kind"`
	RefID string    `json:"refId"`
	DueAt time.Time `json:"dueAt"`
}
