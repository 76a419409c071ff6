package domain

import (
	"strings"
	"time"
)

// Channel is one external messaging surface.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelFacebook  Channel = "facebook"
	ChannelInstagram Channel = "instagram"
	ChannelTelegram  Channel = "telegram"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelWhatsApp, ChannelFacebook, ChannelInstagram, ChannelTelegram}

// ParseChannel resolves a free-form channel name. Empty means whatsapp.
func ParseChannel(s string) (Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "whatsapp", "wa":
		return ChannelWhatsApp, true
	case "facebook", "messenger", "fb":
		return ChannelFacebook, true
	case "instagram", "ig":
		return ChannelInstagram, true
	case "telegram", "tg":
		return ChannelTelegram, true
	default:
		return "", false
	}
}

// MassQueue is the job queue that serves ad-hoc mass sends for the channel.
func (c Channel) MassQueue() string { return "mass:" + string(c) }

// ConnStatus is the lifecycle state of a connection record.
type ConnStatus string

const (
	ConnConnecting   ConnStatus = "CONNECTING"
	ConnConnected    ConnStatus = "CONNECTED"
	ConnDisconnected ConnStatus = "DISCONNECTED"
	ConnError        ConnStatus = "ERROR"
)

// Live reports whether the status is non-terminal.
func (s ConnStatus) Live() bool { return s == ConnConnecting || s == ConnConnected }

// Well-known keys of ConnectionRecord.Meta.
const (
	MetaPhone  = "phone"
	MetaDevice = "device"
	MetaQRCode = "qrCode"
	MetaError  = "error"
)

// ConnectionRecord is the persisted lifecycle state of one channel session.
// Revision increases by one on every write.
type ConnectionRecord struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId,omitempty"`
	Channel   Channel        `json:"channel"`
	Provider  string         `json:"provider,omitempty"`
	Status    ConnStatus     `json:"status"`
	Meta      map[string]any `json:"meta,omitempty"`
	Revision  uint64         `json:"revision"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a copy whose Meta map can be modified independently.
func (r ConnectionRecord) Clone() ConnectionRecord {
	out := r
	if r.Meta != nil {
		out.Meta = make(map[string]any, len(r.Meta))
		for k, v := range r.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// MetaString returns Meta[key] when it is a non-empty string.
func (r ConnectionRecord) MetaString(key string) string {
	if r.Meta == nil {
		return ""
	}
	s, _ := r.Meta[key].(string)
	return s
}
