// Package app wires the supervisor and its collaborators from the config file
// and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/checks"
	"homebgp/internal/config"
	"homebgp/internal/console"
	"homebgp/internal/eventbus"
	"homebgp/internal/metrics"
	"homebgp/internal/mqttpub"
	"homebgp/internal/notify/telegram"
	"homebgp/internal/runtime/group"
	"homebgp/internal/scripts"
	"homebgp/internal/sdnotify"
	"homebgp/internal/storage"
	"homebgp/pkg/logx"
	"homebgp/pkg/systemdmanager"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	grp  *group.Group

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	bgp      *bgp.Supervisor
	metrics  *metrics.Collector
	console  *console.Server
	mqtt     *mqttpub.Publisher
	tele     *telegram.Notifier
	sd       *sdnotify.Notifier
	scripts  *scripts.Manager
	internet *checks.Internet
	units    *checks.Units
	unitMgr  *systemdmanager.Manager

	// touched only by Start and the config.reload goroutine
	internetOn bool
	unitsOn    bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The alert sink is attached once telegram exists.
	logSvc, root := logx.New(mapLoggingConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	var tele *telegram.Notifier
	if telegramEnabled(cfg) {
		tele, err = telegram.New(mapTelegramConfig(cfg), root.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		logSvc.SetNotifier(tele)
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage.enabled", logx.String("driver", sc.Driver))
	}

	supCfg, err := mapSupervisorConfig(cfg)
	if err != nil {
		return nil, err
	}
	sup := bgp.New(supCfg,
		bgp.WithLogger(root.With(logx.String("comp", "bgp"))),
		bgp.WithBus(bus),
	)

	icfg, err := mapInternetConfig(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		bgp:      sup,
		metrics:  m,
		console:  console.New(sup, store, m.Handler(), root.With(logx.String("comp", "console"))),
		tele:     tele,
		sd:       sdnotify.New(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd"))),
		scripts:  scripts.NewManager(sup, root.With(logx.String("comp", "scripts"))),
		internet: checks.NewInternet(icfg, bus, root.With(logx.String("comp", "checks"))),
	}, nil
}

// Supervisor exposes the task registry so callers can register their own work.
func (a *App) Supervisor() *bgp.Supervisor { return a.bgp }

// Console returns the HTTP console; its Addr is empty while disabled.
func (a *App) Console() *console.Server { return a.console }

// Done is closed when the app context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.grp == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.grp.Context().Done()
}

// Err returns the first fatal error observed by the app goroutines.
func (a *App) Err() error {
	if a.grp == nil {
		return nil
	}
	return a.grp.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.grp = group.New(ctx, group.WithLogger(a.log), group.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	cfg := a.cfgm.Get()
	gctx := a.grp.Context()

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "storage")))
		a.grp.Go("storage.recorder", rec.Run)
	}
	a.grp.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.tele != nil {
		a.grp.Go("telegram.alerts", func(c context.Context) error { return a.tele.Run(c, a.bus) })
	}

	if mqttEnabled(cfg) {
		mc, err := mapMQTTConfig(cfg)
		if err != nil {
			return err
		}
		p, err := mqttpub.Connect(mc, a.log.With(logx.String("comp", "mqtt")))
		if err != nil {
			return err
		}
		a.mqtt = p
		a.grp.Go("mqtt.publish", func(c context.Context) error { return p.Run(c, a.bus) })
	}

	a.bgp.Start(gctx)

	if err := a.scripts.Reconcile(gctx, cfg.Scripts); err != nil {
		return fmt.Errorf("scripts: %w", err)
	}
	if err := a.applyInternet(gctx, cfg); err != nil {
		return fmt.Errorf("checks.internet: %w", err)
	}
	if err := a.applyUnits(gctx, cfg); err != nil {
		return fmt.Errorf("checks.units: %w", err)
	}
	if cfg.Systemd.Watchdog {
		if _, err := a.sd.RegisterWatchdog(a.bgp); err != nil {
			return fmt.Errorf("systemd watchdog: %w", err)
		}
	}
	cc, err := mapConsoleConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.console.Apply(gctx, cfg.Console.Enabled, cc); err != nil {
		return fmt.Errorf("console: %w", err)
	}

	// Keep this debug-level; bgp.status fires on every transition.
	events, unsub := a.bus.Subscribe(128)
	a.grp.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.grp.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.grp.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d tasks", len(a.bgp.IDs())))
	a.log.Info("app.started", logx.Int("tasks", len(a.bgp.IDs())), logx.String("console", a.console.Addr()))
	return nil
}

// applyInternet registers, updates or removes the reachability check.
func (a *App) applyInternet(ctx context.Context, cfg *config.Config) error {
	icfg, err := mapInternetConfig(cfg)
	if err != nil {
		return err
	}
	want := cfg.Checks.Internet.Enabled
	switch {
	case want && !a.internetOn:
		// A handle left from an earlier unregister is stale.
		if err := a.internet.Apply(icfg); err != nil && !errors.Is(err, bgp.ErrNotFound) {
			return err
		}
		if _, err := a.internet.Register(a.bgp); err != nil {
			return err
		}
	case want:
		if err := a.internet.Apply(icfg); err != nil {
			return err
		}
	case a.internetOn:
		if err := a.bgp.Unregister(ctx, checks.InternetTaskID); err != nil {
			return err
		}
	}
	a.internetOn = want
	return nil
}

// applyUnits is applyInternet for the systemd unit check. The D-Bus
// connection is opened the first time the check is enabled.
func (a *App) applyUnits(ctx context.Context, cfg *config.Config) error {
	ucfg, err := mapUnitsConfig(cfg)
	if err != nil {
		return err
	}
	want := cfg.Checks.Units.Enabled
	switch {
	case want && !a.unitsOn:
		if a.units == nil {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			mgr, err := systemdmanager.New(cctx)
			cancel()
			if err != nil {
				return err
			}
			a.unitMgr = mgr
			a.units = checks.NewUnits(ucfg, mgr, a.log.With(logx.String("comp", "checks")))
		} else if err := a.units.Apply(ucfg); err != nil && !errors.Is(err, bgp.ErrNotFound) {
			return err
		}
		if _, err := a.units.Register(a.bgp); err != nil {
			return err
		}
	case want:
		if err := a.units.Apply(ucfg); err != nil {
			return err
		}
	case a.unitsOn:
		if err := a.bgp.Unregister(ctx, checks.UnitsTaskID); err != nil {
			return err
		}
	}
	a.unitsOn = want
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.grp == nil {
		return nil
	}
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("app.stop_step_begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("app.stop_step_error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("app.stop_step_end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("app.stop_step_end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it finally returns.
			a.log.Warn("app.stop_step_deadline",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("app.stop_step_late", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("app.stop_step_late", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	grace := a.bgp.Config().GracePeriod

	step("console", 2*time.Second, func(c context.Context) error { a.console.Stop(c); return nil })
	// Tasks stop before the app goroutines are cancelled so the recorder and
	// publishers still see the final transitions.
	step("bgp", grace+time.Second, a.bgp.Close)
	a.grp.Cancel()
	step("group", 2*time.Second, a.grp.Wait)
	step("mqtt", time.Second, func(context.Context) error {
		if a.mqtt != nil {
			a.mqtt.Close()
		}
		return nil
	})
	step("systemd", time.Second, func(context.Context) error {
		if a.unitMgr != nil {
			return a.unitMgr.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("app.stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// changedSet indexes the section names returned by SummarizeConfigChange.
func changedSet(sections []string) map[string]bool {
	m := make(map[string]bool, len(sections))
	for _, s := range sections {
		m[strings.TrimSpace(s)] = true
	}
	return m
}
