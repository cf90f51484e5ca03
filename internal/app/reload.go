package app

import (
	"context"
	"strings"
	"time"

	"homebgp/internal/config"
	"homebgp/internal/eventbus"
	"homebgp/pkg/logx"
)

// applyConfig pushes a committed config into the running components. Sections
// that own long-lived connections (storage, mqtt, systemd, telegram token) are
// only picked up on restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config.reloaded", logx.String("changed", "none"))
		return
	}
	a.log.Debug("config.change_summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	a.sd.Reloading()
	defer a.sd.Ready()

	changed := changedSet(sections)

	if changed["logging"] || changed["telegram"] {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if changed["telegram"] {
		switch {
		case a.tele == nil && telegramEnabled(newCfg):
			a.log.Warn("config.restart_required", logx.String("section", "telegram"), logx.String("why", "enabled after start"))
		case a.tele != nil:
			if telegramEnabled(newCfg) && mapTelegramConfig(oldCfg).Token != mapTelegramConfig(newCfg).Token {
				a.log.Warn("config.restart_required", logx.String("section", "telegram"), logx.String("why", "token changed"))
			}
			a.tele.Apply(mapTelegramConfig(newCfg))
		}
	}

	if changed["supervisor"] {
		if sc, err := mapSupervisorConfig(newCfg); err != nil {
			a.log.Warn("config.invalid_supervisor", logx.Err(err))
		} else {
			a.bgp.Apply(sc)
		}
	}

	if changed["console"] {
		cc, err := mapConsoleConfig(newCfg)
		if err != nil {
			a.log.Warn("config.invalid_console", logx.Err(err))
		} else if err := a.console.Apply(ctx, newCfg.Console.Enabled, cc); err != nil {
			a.log.Warn("console.apply_failed", logx.Err(err))
		}
	}

	if changed["scripts"] {
		rctx, cancel := context.WithTimeout(ctx, a.bgp.Config().GracePeriod+time.Second)
		if err := a.scripts.Reconcile(rctx, newCfg.Scripts); err != nil {
			a.log.Warn("scripts.reconcile_failed", logx.Err(err))
		}
		cancel()
	}

	if changed["checks"] {
		if err := a.applyInternet(ctx, newCfg); err != nil {
			a.log.Warn("checks.apply_failed", logx.String("check", "internet"), logx.Err(err))
		}
		if err := a.applyUnits(ctx, newCfg); err != nil {
			a.log.Warn("checks.apply_failed", logx.String("check", "units"), logx.Err(err))
		}
	}

	for _, s := range []string{"storage", "mqtt", "systemd"} {
		if changed[s] {
			a.log.Warn("config.restart_required", logx.String("section", s))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	a.sd.Status(strings.Join(sections, ",") + " reloaded")
	a.log.Info("config.reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}
