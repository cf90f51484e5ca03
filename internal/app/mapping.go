package app

import (
	"fmt"
	"strings"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/checks"
	"homebgp/internal/config"
	"homebgp/internal/console"
	"homebgp/internal/mqttpub"
	"homebgp/internal/notify/telegram"
	"homebgp/internal/scripts"
	"homebgp/internal/storage"
	"homebgp/pkg/logx"
)

// Each map* turns a config section into its component's Config. The reload
// validator runs all of them, so a bad hot reload is rejected before commit.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled && telegramEnabled(cfg),
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapSupervisorConfig(cfg *config.Config) (bgp.Config, error) {
	sc := cfg.Supervisor
	tick, err := config.ParseDurationOrDefault("supervisor.tick_interval", sc.TickInterval, bgp.DefaultTickInterval)
	if err != nil {
		return bgp.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("supervisor.grace_period", sc.GracePeriod, bgp.DefaultGracePeriod)
	if err != nil {
		return bgp.Config{}, err
	}
	if sc.MaxWorkers < 0 {
		return bgp.Config{}, fmt.Errorf("supervisor.max_workers must be >= 0")
	}
	return bgp.Config{TickInterval: tick, GracePeriod: grace, MaxWorkers: sc.MaxWorkers}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	retention, err := config.ParseDurationField("storage.run_retention", sc.RunRetention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, RunRetention: retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, RunRetention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapConsoleConfig(cfg *config.Config) (console.Config, error) {
	cc := cfg.Console
	push, err := config.ParseDurationField("console.push_interval", cc.PushInterval)
	if err != nil {
		return console.Config{}, err
	}
	read, err := config.ParseDurationField("console.read_timeout", cc.ReadTimeout)
	if err != nil {
		return console.Config{}, err
	}
	idle, err := config.ParseDurationField("console.idle_timeout", cc.IdleTimeout)
	if err != nil {
		return console.Config{}, err
	}
	return console.Config{
		Addr:         strings.TrimSpace(cc.Addr),
		Token:        strings.TrimSpace(cc.Token),
		PushInterval: push,
		ReadTimeout:  read,
		IdleTimeout:  idle,
		Pprof:        cc.Pprof,
	}, nil
}

func mqttEnabled(cfg *config.Config) bool { return cfg.MQTT != nil && cfg.MQTT.Enabled }

func mapMQTTConfig(cfg *config.Config) (mqttpub.Config, error) {
	if cfg.MQTT == nil {
		return mqttpub.Config{}, nil
	}
	mc := cfg.MQTT
	timeout, err := config.ParseDurationField("mqtt.connect_timeout", mc.ConnectTimeout)
	if err != nil {
		return mqttpub.Config{}, err
	}
	if mc.QoS < 0 || mc.QoS > 2 {
		return mqttpub.Config{}, fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return mqttpub.Config{
		Broker:         strings.TrimSpace(mc.Broker),
		ClientID:       strings.TrimSpace(mc.ClientID),
		Username:       mc.Username,
		Password:       mc.Password,
		TopicPrefix:    mc.TopicPrefix,
		QoS:            byte(mc.QoS),
		ConnectTimeout: timeout,
	}, nil
}

func telegramEnabled(cfg *config.Config) bool { return cfg.Telegram != nil && cfg.Telegram.Enabled }

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	if cfg.Telegram == nil {
		return telegram.Config{}
	}
	tc := cfg.Telegram
	return telegram.Config{
		Token:        strings.TrimSpace(tc.Token),
		ChatID:       tc.ChatID,
		ThreadID:     tc.ThreadID,
		RatePerSec:   tc.RatePerSec,
		AlertOnError: tc.Enabled && tc.AlertOnError,
		RetryMax:     2,
	}
}

func mapInternetConfig(cfg *config.Config) (checks.InternetConfig, error) {
	ic := cfg.Checks.Internet
	every, err := config.ParseDurationField("checks.internet.interval", ic.Interval)
	if err != nil {
		return checks.InternetConfig{}, err
	}
	timeout, err := config.ParseDurationField("checks.internet.timeout", ic.Timeout)
	if err != nil {
		return checks.InternetConfig{}, err
	}
	return checks.InternetConfig{Targets: ic.Targets, Interval: every, Timeout: timeout}, nil
}

func mapUnitsConfig(cfg *config.Config) (checks.UnitsConfig, error) {
	uc := cfg.Checks.Units
	out := checks.UnitsConfig{Units: uc.Units, AutoRestart: uc.AutoRestart, AlertStreak: uc.AlertStreak}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"checks.units.interval", uc.Interval, &out.Interval},
		{"checks.units.min_down", uc.MinDown, &out.MinDown},
		{"checks.units.restart_timeout", uc.RestartTimeout, &out.RestartTimeout},
		{"checks.units.backoff_base", uc.BackoffBase, &out.BackoffBase},
		{"checks.units.backoff_max", uc.BackoffMax, &out.BackoffMax},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return checks.UnitsConfig{}, err
		}
		*f.dst = d
	}
	return out, nil
}

// validate is installed as the config manager's reload validator.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapSupervisorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapConsoleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMQTTConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInternetConfig(cfg); err != nil {
		return err
	}
	if _, err := mapUnitsConfig(cfg); err != nil {
		return err
	}
	return scripts.Validate(cfg.Scripts)
}
