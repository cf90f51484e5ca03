package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Console    ConsoleConfig    `json:"console"`
	MQTT       *MQTTConfig      `json:"mqtt,omitempty"`
	Telegram   *TelegramConfig  `json:"telegram,omitempty"`
	Systemd    SystemdConfig    `json:"systemd"`
	Scripts    []ScriptConfig   `json:"scripts,omitempty"`
	Checks     ChecksConfig     `json:"checks"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ log lines to the telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SupervisorConfig tunes the background process engine.
//
// Defaults: tick_interval "1s", grace_period "5s", max_workers 64.
type SupervisorConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	GracePeriod  string `json:"grace_period,omitempty"`
	MaxWorkers   int    `json:"max_workers,omitempty"`
}

// StorageConfig controls the optional status store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/homebgp.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite only
	RunRetention string `json:"run_retention,omitempty"` // default "168h"
}

// ConsoleConfig controls the HTTP status console (REST, websocket, /metrics).
//
// Prefer binding to localhost; set a token when exposing it.
type ConsoleConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`          // default "127.0.0.1:8090"
	Token        string `json:"token,omitempty"`         // bearer token for every route but /healthz (do not log)
	PushInterval string `json:"push_interval,omitempty"` // websocket push, default "1s"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mount /debug/pprof/ behind the token
}

type MQTTConfig struct {
	Enabled        bool   `json:"enabled"`
	Broker         string `json:"broker"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`     // do not log
	TopicPrefix    string `json:"topic_prefix,omitempty"` // default "homebgp"
	QoS            int    `json:"qos,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerSec bounds outgoing messages; default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// AlertOnError sends a message whenever a task enters the error state.
	AlertOnError bool `json:"alert_on_error"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// ScriptConfig declares a shell script run as a background task.
type ScriptConfig struct {
	ID            string            `json:"id"`
	Description   string            `json:"description,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Dir           string            `json:"dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Schedule      string            `json:"schedule"` // see bgp.ParseSchedule
	Timeout       string            `json:"timeout,omitempty"`
	Disabled      bool              `json:"disabled,omitempty"`
	HideOnUI      bool              `json:"hide_on_ui,omitempty"`
	CancelOnError bool              `json:"cancel_on_error,omitempty"`
	RunOnStart    bool              `json:"run_on_start,omitempty"`
}

type ChecksConfig struct {
	Internet InternetCheckConfig `json:"internet"`
	Units    UnitsCheckConfig    `json:"units"`
}

// InternetCheckConfig checks reachability by TCP-dialing each target.
type InternetCheckConfig struct {
	Enabled  bool     `json:"enabled"`
	Targets  []string `json:"targets,omitempty"`  // host:port, default 1.1.1.1:53 and 8.8.8.8:53
	Interval string   `json:"interval,omitempty"` // default "10s"
	Timeout  string   `json:"timeout,omitempty"`  // per dial, default "3s"
}

// UnitsCheckConfig watches systemd units over D-Bus and can restart the ones
// that stay down.
//
// Example:
//
//	"units": { "enabled": true, "units": ["mosquitto", "zigbee2mqtt"], "auto_restart": true }
type UnitsCheckConfig struct {
	Enabled        bool     `json:"enabled"`
	Units          []string `json:"units"`
	Interval       string   `json:"interval,omitempty"` // default "30s"
	AutoRestart    bool     `json:"auto_restart"`
	MinDown        string   `json:"min_down,omitempty"`        // default "3s"
	RestartTimeout string   `json:"restart_timeout,omitempty"` // default "15s"
	BackoffBase    string   `json:"backoff_base,omitempty"`    // default "5s"
	BackoffMax     string   `json:"backoff_max,omitempty"`     // default "5m"
	AlertStreak    int      `json:"alert_streak,omitempty"`    // default 3
}

// Validate checks the parts of the config that can be checked without
// building any service. Schedules are validated by their consumers.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("supervisor.tick_interval", c.Supervisor.TickInterval)
	dur("supervisor.grace_period", c.Supervisor.GracePeriod)
	if c.Supervisor.MaxWorkers < 0 {
		add(errors.New("supervisor.max_workers: must be >= 0"))
	}
	if c.Storage != nil {
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
		dur("storage.run_retention", c.Storage.RunRetention)
	}
	dur("console.push_interval", c.Console.PushInterval)
	dur("console.read_timeout", c.Console.ReadTimeout)
	dur("console.idle_timeout", c.Console.IdleTimeout)
	if c.MQTT != nil && c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Broker) == "" {
			add(errors.New("mqtt.broker: required when mqtt is enabled"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			add(fmt.Errorf("mqtt.qos: must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
		dur("mqtt.connect_timeout", c.MQTT.ConnectTimeout)
	}
	if c.Telegram != nil && c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add(errors.New("telegram.token: required when telegram is enabled"))
		}
		if c.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id: required when telegram is enabled"))
		}
	}
	seen := map[string]bool{}
	for i, s := range c.Scripts {
		path := fmt.Sprintf("scripts[%d]", i)
		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			add(fmt.Errorf("%s.id: required", path))
		case seen[id]:
			add(fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		seen[id] = true
		if strings.TrimSpace(s.Command) == "" {
			add(fmt.Errorf("%s.command: required", path))
		}
		dur(path+".timeout", s.Timeout)
	}
	dur("checks.internet.interval", c.Checks.Internet.Interval)
	dur("checks.internet.timeout", c.Checks.Internet.Timeout)
	uc := c.Checks.Units
	dur("checks.units.interval", uc.Interval)
	dur("checks.units.min_down", uc.MinDown)
	dur("checks.units.restart_timeout", uc.RestartTimeout)
	dur("checks.units.backoff_base", uc.BackoffBase)
	dur("checks.units.backoff_max", uc.BackoffMax)
	if uc.AlertStreak < 0 {
		add(errors.New("checks.units.alert_streak: must be >= 0"))
	}
	if uc.Enabled && len(uc.Units) == 0 {
		add(errors.New("checks.units.units: required when the check is enabled"))
	}
	return errors.Join(errs...)
}
