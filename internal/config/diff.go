package config

import (
	"reflect"
	"sort"
	"strings"

	"homebgp/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens, passwords) are reported as
// "<section>.token_set" booleans only.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Supervisor != newCfg.Supervisor {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("supervisor.tick_interval", strings.TrimSpace(newCfg.Supervisor.TickInterval)),
			logx.String("supervisor.grace_period", strings.TrimSpace(newCfg.Supervisor.GracePeriod)),
			logx.Int("supervisor.max_workers", newCfg.Supervisor.MaxWorkers),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Console != newCfg.Console {
		changed = append(changed, "console")
		attrs = append(attrs,
			logx.Bool("console.enabled", newCfg.Console.Enabled),
			logx.String("console.addr", strings.TrimSpace(newCfg.Console.Addr)),
			logx.Bool("console.token_set", strings.TrimSpace(newCfg.Console.Token) != ""),
		)
	}

	oM, nM := derefMQTT(oldCfg.MQTT), derefMQTT(newCfg.MQTT)
	if oM != nM {
		changed = append(changed, "mqtt")
		attrs = append(attrs,
			logx.Bool("mqtt.enabled", nM.Enabled),
			logx.String("mqtt.broker", strings.TrimSpace(nM.Broker)),
			logx.String("mqtt.topic_prefix", strings.TrimSpace(nM.TopicPrefix)),
			logx.Bool("mqtt.password_set", nM.Password != ""),
		)
	}

	oT, nT := derefTelegram(oldCfg.Telegram), derefTelegram(newCfg.Telegram)
	if oT != nT {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Bool("telegram.chat_set", nT.ChatID != 0),
			logx.Bool("telegram.alert_on_error", nT.AlertOnError),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	if ids := ChangedScripts(oldCfg.Scripts, newCfg.Scripts); len(ids) > 0 {
		changed = append(changed, "scripts")
		attrs = append(attrs,
			logx.Int("scripts.changed_count", len(ids)),
			logx.Int("scripts.count", len(newCfg.Scripts)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Checks, newCfg.Checks) {
		changed = append(changed, "checks")
		attrs = append(attrs,
			logx.Bool("checks.internet.enabled", newCfg.Checks.Internet.Enabled),
			logx.Int("checks.internet.targets", len(newCfg.Checks.Internet.Targets)),
			logx.Bool("checks.units.enabled", newCfg.Checks.Units.Enabled),
			logx.Int("checks.units.count", len(newCfg.Checks.Units.Units)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// ChangedScripts returns the ids of scripts added, removed or modified.
func ChangedScripts(oldList, newList []ScriptConfig) []string {
	index := func(list []ScriptConfig) map[string]uint64 {
		m := make(map[string]uint64, len(list))
		for _, s := range list {
			m[strings.TrimSpace(s.ID)] = hashJSON(s)
		}
		return m
	}
	o, n := index(oldList), index(newList)

	var out []string
	for id, h := range n {
		if oh, ok := o[id]; !ok || oh != h {
			out = append(out, id)
		}
	}
	for id := range o {
		if _, ok := n[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefMQTT(m *MQTTConfig) MQTTConfig {
	if m == nil {
		return MQTTConfig{}
	}
	return *m
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}
