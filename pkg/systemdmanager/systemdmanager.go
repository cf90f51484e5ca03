// Package systemdmanager reads and restarts systemd units over D-Bus.
package systemdmanager

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed      = errors.New("systemd connection is closed")
	ErrUnsupported = errors.New("systemd is not available on this platform")
)

// UnitStatus is the state of one unit. Timestamps are only filled for units
// that are not active.
type UnitStatus struct {
	Name          string
	Active        string // active, inactive, failed, activating, ...
	SubState      string // running, dead, ...
	LoadState     string // loaded, not-found, ...
	Description   string
	ActiveExit    time.Time
	InactiveSince time.Time
	StateChange   time.Time
}

func (s UnitStatus) IsActive() bool { return s.Active == "active" }

func (s UnitStatus) Missing() bool {
	return s.LoadState == "not-found" || s.SubState == "not-found"
}

// DownSince picks the best available "went down at" timestamp; zero if unknown.
func (s UnitStatus) DownSince() time.Time {
	for _, t := range []time.Time{s.InactiveSince, s.ActiveExit, s.StateChange} {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path":
			return name
		}
	}
	return name + ".service"
}

func missing(name string) UnitStatus {
	return UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

// systemd timestamps are microseconds since the Unix epoch.
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
