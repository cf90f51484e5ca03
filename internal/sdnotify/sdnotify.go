// Package sdnotify speaks the systemd notify protocol: READY/STOPPING/RELOADING
// and watchdog keep-alives, the latter as a hidden background task.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"homebgp/internal/bgp"
	"homebgp/pkg/logx"
)

// WatchdogTaskID is the hidden task that pings the systemd watchdog.
const WatchdogTaskID = "systemd-watchdog"

type Notifier struct {
	log      logx.Logger
	enabled  bool
	notify   func(unsetEnvironment bool, state string) (bool, error)
	watchdog func(unsetEnvironment bool) (time.Duration, error)
}

// New returns a notifier; when enabled is false every call is a no-op.
// Outside systemd (no NOTIFY_SOCKET) calls are no-ops too.
func New(enabled bool, log logx.Logger) *Notifier {
	return &Notifier{
		log:      log,
		enabled:  enabled,
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) {
	if !n.enabled {
		return
	}
	sent, err := n.notify(false, state)
	switch {
	case err != nil:
		n.log.Warn("systemd.notify_failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("systemd.notified", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	if !n.enabled {
		return 0
	}
	d, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("systemd.watchdog_env_invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// RegisterWatchdog adds the keep-alive task when systemd expects one. It
// returns (nil, nil) when the watchdog is off.
func (n *Notifier) RegisterWatchdog(sup *bgp.Supervisor) (*bgp.Handle, error) {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil, nil
	}
	h, err := sup.Register(WatchdogTaskID, bgp.Every(every), bgp.WorkFunc(func(context.Context) error {
		n.send(daemon.SdNotifyWatchdog)
		return nil
	}), bgp.Options{
		Description: "systemd watchdog keep-alive",
		HideOnUI:    true,
		RunOnStart:  true,
	})
	if err != nil {
		return nil, err
	}
	n.log.Info("systemd.watchdog_enabled", logx.Duration("every", every))
	return h, nil
}
