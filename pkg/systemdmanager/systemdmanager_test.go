package systemdmanager

import (
	"errors"
	"testing"
	"time"
)

func TestUnitName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"mosquitto":           "mosquitto.service",
		" zigbee2mqtt ":       "zigbee2mqtt.service",
		"backup.timer":        "backup.timer",
		"node-red.service":    "node-red.service",
		"home.assistant":      "home.assistant.service",
		"avahi-daemon.socket": "avahi-daemon.socket",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDownSincePrefersInactiveEnter(t *testing.T) {
	t.Parallel()
	a := time.Unix(100, 0)
	b := time.Unix(200, 0)
	c := time.Unix(300, 0)
	cases := []struct {
		name string
		st   UnitStatus
		want time.Time
	}{
		{"all", UnitStatus{InactiveSince: a, ActiveExit: b, StateChange: c}, a},
		{"exit", UnitStatus{ActiveExit: b, StateChange: c}, b},
		{"change", UnitStatus{StateChange: c}, c},
		{"none", UnitStatus{}, time.Time{}},
	}
	for _, tc := range cases {
		if got := tc.st.DownSince(); !got.Equal(tc.want) {
			t.Fatalf("%s: DownSince = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	props := map[string]any{"ActiveExitTimestamp": uint64(1_700_000_000_500_000), "Bad": "x"}
	if got := parseTimestamp(props, "ActiveExitTimestamp"); got.UnixMilli() != 1_700_000_000_500 {
		t.Fatalf("ts = %v", got)
	}
	if !parseTimestamp(props, "Bad").IsZero() || !parseTimestamp(props, "Missing").IsZero() {
		t.Fatal("expected zero time")
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()
	if !missing("x").Missing() || (UnitStatus{LoadState: "loaded", SubState: "running"}).Missing() {
		t.Fatal("Missing mismatch")
	}
	if !isNoSuchUnitErr(errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x.service not loaded")) {
		t.Fatal("NoSuchUnit not recognized")
	}
	if isNoSuchUnitErr(nil) {
		t.Fatal("nil error recognized")
	}
}
