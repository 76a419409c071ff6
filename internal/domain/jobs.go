package domain

import "encoding/json"

// Queue names.
const (
	QueueBroadcast = "broadcast"
	QueueCampaign  = "campaign"
	QueueFlow      = "flow"
)

// CampaignJob promotes one scheduled campaign.
type CampaignJob struct {
	CampaignID string `json:"campaignId"`
}

// FlowJob runs an automation flow for one contact.
type FlowJob struct {
	FlowID      string         `json:"flowId"`
	ContactID   string         `json:"contactId"`
	StartNodeID string         `json:"startNodeId,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// BroadcastJob is the payload of the "broadcast" queue.
type BroadcastJob struct {
	BroadcastID  string          `json:"broadcastId"`
	ConnectionID string          `json:"connectionId"`
	Channel      Channel         `json:"channel,omitempty"`
	Contacts     []Recipient     `json:"contacts"`
	Message      MessageTemplate `json:"message"`
	DelayMs      int             `json:"delayMs"`
	Jitter       float64         `json:"jitter,omitempty"`
	Provider     string          `json:"provider,omitempty"`
}

// MassJob is the payload of the per-channel "mass:<channel>" queues.
// Delay is in milliseconds.
type MassJob struct {
	BroadcastID  string          `json:"broadcastId"`
	ConnectionID string          `json:"connectionId"`
	Channel      Channel         `json:"channel"`
	Recipients   []Recipient     `json:"recipients"`
	Message      MessageTemplate `json:"message"`
	Delay        int             `json:"delay"`
	Jitter       float64         `json:"jitter"`
	Provider     string          `json:"provider,omitempty"`
}

// DispatchJob is the channel-neutral shape both broadcast payloads reduce to.
type DispatchJob struct {
	BroadcastID  string
	ConnectionID string
	Channel      Channel
	Recipients   []Recipient
	Message      MessageTemplate
	PaceMs       int
	Jitter       float64
}

func (j BroadcastJob) Dispatch() DispatchJob {
	return DispatchJob{
		BroadcastID:  j.BroadcastID,
		ConnectionID: j.ConnectionID,
		Channel:      j.Channel,
		Recipients:   j.Contacts,
		Message:      j.Message,
		PaceMs:       j.DelayMs,
		Jitter:       j.Jitter,
	}
}

func (j MassJob) Dispatch() DispatchJob {
	return DispatchJob{
		BroadcastID:  j.BroadcastID,
		ConnectionID: j.ConnectionID,
		Channel:      j.Channel,
		Recipients:   j.Recipients,
		Message:      j.Message,
		PaceMs:       j.Delay,
		Jitter:       j.Jitter,
	}
}

// DecodeDispatchJob accepts either payload shape.
func DecodeDispatchJob(raw json.RawMessage) (DispatchJob, error) {
	var shape struct {
		Recipients json.RawMessage `json:"recipients"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return DispatchJob{}, err
	}
	if len(shape.Recipients) > 0 && string(shape.Recipients) != "null" {
		var m MassJob
		if err := json.Unmarshal(raw, &m); err != nil {
			return DispatchJob{}, err
		}
		return m.Dispatch(), nil
	}
	var b BroadcastJob
	if err := json.Unmarshal(raw, &b); err != nil {
		return DispatchJob{}, err
	}
	return b.Dispatch(), nil
}
