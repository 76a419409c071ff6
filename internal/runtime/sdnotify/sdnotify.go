// Package sdnotify reports service state to systemd. Outside a notify-type
// unit every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "dispatchd/pkg/logx"
)

type Notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog returns the configured interval, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{
		log:      log.With(logx.String("comp", "sdnotify")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings systemd at half the unit's WatchdogSec until ctx ends. It
// returns at once when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog interval unreadable", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
