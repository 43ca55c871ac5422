// Package sdnotify reports service state to systemd (Type=notify units).
// Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "execpool/pkg/logx"
)

// NotifyFunc sends one sd_notify state string. It reports false when no
// notification socket is configured.
type NotifyFunc func(state string) (bool, error)

type Notifier struct {
	log      logx.Logger
	notify   NotifyFunc
	interval time.Duration
}

type Option func(*Notifier)

func WithNotifyFunc(fn NotifyFunc) Option { return func(n *Notifier) { n.notify = fn } }

// WithWatchdogInterval overrides the interval read from WATCHDOG_USEC.
func WithWatchdogInterval(d time.Duration) Option { return func(n *Notifier) { n.interval = d } }

func New(log logx.Logger, opts ...Option) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:    log.With(logx.String("comp", "sdnotify")),
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	for _, o := range opts {
		o(n)
	}
	if n.interval == 0 {
		if d, err := daemon.SdWatchdogEnabled(false); err != nil {
			n.log.Warn("invalid watchdog environment", logx.Err(err))
		} else {
			n.interval = d
		}
	}
	return n
}

func (n *Notifier) Ready() bool     { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// WatchdogInterval is the systemd watchdog timeout, or 0 when disabled.
func (n *Notifier) WatchdogInterval() time.Duration { return n.interval }

// Watchdog pings systemd at half the watchdog interval while healthy reports
// true, until ctx ends. Missed pings let systemd restart an unhealthy
// service. It returns immediately when the watchdog is disabled.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	if n.interval <= 0 {
		return nil
	}
	tick := time.NewTicker(n.interval / 2)
	defer tick.Stop()
	wasHealthy := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		ok := healthy == nil || healthy()
		if ok {
			n.send(daemon.SdNotifyWatchdog)
		}
		if ok != wasHealthy {
			if ok {
				n.log.Info("service healthy again; watchdog pings resumed")
			} else {
				n.log.Error("service unhealthy; withholding watchdog pings")
			}
			wasHealthy = ok
		}
	}
}
