package domain

import (
	"encoding/json"
	"testing"
)

func TestRecipientDecodesStringOrObject(t *testing.T) {
	t.Parallel()

	var got []Recipient
	raw := `["5511999999999", {"id":"c1","phone":"+55 11 8888-7777","name":"Ana","vars":{"plan":"gold"}}]`
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Address != "5511999999999" || got[0].ContactID != "" {
		t.Fatalf("string recipient = %+v", got[0])
	}
	if got[1].ContactID != "c1" || got[1].Address != "+55 11 8888-7777" || got[1].Vars["plan"] != "gold" {
		t.Fatalf("object recipient = %+v", got[1])
	}
}

func TestDecodeDispatchJob(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		raw    string
		pace   int
		n      int
		jitter float64
	}{
		{
			name: "broadcast",
			raw:  `{"broadcastId":"b1","connectionId":"c1","contacts":["1","2"],"message":{"text":"hi"},"delayMs":1000}`,
			pace: 1000, n: 2,
		},
		{
			name: "mass",
			raw:  `{"broadcastId":"b1","connectionId":"c1","channel":"facebook","recipients":["1"],"message":{"text":"hi"},"delay":3000,"jitter":0.15}`,
			pace: 3000, n: 1, jitter: 0.15,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			job, err := DecodeDispatchJob(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if job.PaceMs != tc.pace || len(job.Recipients) != tc.n || job.Jitter != tc.jitter {
				t.Fatalf("job = %+v", job)
			}
			if job.Message.Text != "hi" {
				t.Fatalf("message = %+v", job.Message)
			}
		})
	}
}

func TestStatsProgress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stats DispatchStats
		want  int
	}{
		{DispatchStats{Total: 0}, 100},
		{DispatchStats{Total: 3, Sent: 1}, 33},
		{DispatchStats{Total: 3, Sent: 1, Failed: 1}, 67},
		{DispatchStats{Total: 3, Sent: 3}, 100},
	}
	for _, tc := range cases {
		if got := tc.stats.Progress(); got != tc.want {
			t.Fatalf("%+v: progress = %d, want %d", tc.stats, got, tc.want)
		}
	}
}

func TestParseChannel(t *testing.T) {
	t.Parallel()

	if c, ok := ParseChannel(""); !ok || c != ChannelWhatsApp {
		t.Fatalf("empty channel = %q %v", c, ok)
	}
	if c, ok := ParseChannel("Instagram"); !ok || c != ChannelInstagram {
		t.Fatalf("instagram = %q %v", c, ok)
	}
	if _, ok := ParseChannel("sms"); ok {
		t.Fatalf("sms should be unknown")
	}
	if q := ChannelFacebook.MassQueue(); q != "mass:facebook" {
		t.Fatalf("mass queue = %q", q)
	}
}
