package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type BroadcastStatus string

const (
	BroadcastQueued  BroadcastStatus = "QUEUED"
	BroadcastRunning BroadcastStatus = "RUNNING"
	BroadcastDone    BroadcastStatus = "DONE"
	BroadcastFailed  BroadcastStatus = "FAILED"
)

// DispatchStats are the cumulative counters of one dispatch run.
// Sent+Failed never exceeds Total.
type DispatchStats struct {
	Queued      int `json:"queued"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	Total       int `json:"total"`
	ProgressPct int `json:"progressPct"`
}

// Processed is the number of recipients attempted so far.
func (s DispatchStats) Processed() int { return s.Sent + s.Failed }

// Progress returns round(100*(sent+failed)/total); 100 when total is 0.
func (s DispatchStats) Progress() int {
	if s.Total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(s.Processed()) / float64(s.Total)))
}

// Broadcast is the persisted aggregate a broadcast or mass job updates.
type Broadcast struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId,omitempty"`
	ConnectionID string          `json:"connectionId"`
	Channel      Channel         `json:"channel"`
	Status       BroadcastStatus `json:"status"`
	Stats        DispatchStats   `json:"stats"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	StartedAt    time.Time       `json:"startedAt,omitempty"`
	FinishedAt   time.Time       `json:"finishedAt,omitempty"`
}

type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySimulated DeliveryStatus = "simulated"
)

// MessageLogEntry is one append-only audit row per attempted send.
type MessageLogEntry struct {
	ID                string         `json:"id"`
	BroadcastID       string         `json:"broadcastId,omitempty"`
	CampaignID        string         `json:"campaignId,omitempty"`
	AppointmentID     string         `json:"appointmentId,omitempty"`
	ContactID         string         `json:"contactId,omitempty"`
	Recipient         string         `json:"recipient"`
	Channel           Channel        `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	Error             string         `json:"error,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	SentAt            time.Time      `json:"sentAt"`
}

// Recipient is one target of a dispatch run. It decodes from either a bare
// address string or an object.
type Recipient struct {
	ContactID string            `json:"contactId,omitempty"`
	Address   string            `json:"address"`
	Name      string            `json:"name,omitempty"`
	Vars      map[string]string `json:"vars,omitempty"`
}

func (r *Recipient) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Recipient{Address: s}
		return nil
	}
	var raw struct {
		ContactID string            `json:"contactId"`
		ID        string            `json:"id"`
		Address   string            `json:"address"`
		Phone     string            `json:"phone"`
		To        string            `json:"to"`
		Name      string            `json:"name"`
		Vars      map[string]string `json:"vars"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	r.ContactID = firstNonEmpty(raw.ContactID, raw.ID)
	r.Address = firstNonEmpty(raw.Address, raw.Phone, raw.To)
	r.Name = raw.Name
	r.Vars = raw.Vars
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
