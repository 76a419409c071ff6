package dispatch

import (
	"strings"

	"dispatchd/internal/domain"
)

// NormalizeAddress turns a free-form recipient into the id a backend expects.
// Addresses that already carry a channel suffix ("123@c.us", "@channel") are
// kept as they are; everything else is reduced to its digits. Telegram group
// ids keep their leading minus. An empty result means the recipient is
// unusable.
func NormalizeAddress(ch domain.Channel, raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	if ch == domain.ChannelTelegram && strings.HasPrefix(s, "-") {
		b.WriteByte('-')
	}
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	out := b.String()
	if out == "-" {
		return ""
	}
	return out
}
