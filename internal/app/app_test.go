package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/checks"
	"homebgp/internal/config"
)

func writeConfig(t *testing.T, path string, cfg config.Config) {
	t.Helper()
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

func baseConfig(dir string) config.Config {
	return config.Config{
		Logging:    config.LoggingConfig{Level: "error"},
		Supervisor: config.SupervisorConfig{TickInterval: "20ms", GracePeriod: "500ms"},
		Storage:    &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "status.json")},
		Console:    config.ConsoleConfig{Enabled: true, Addr: "127.0.0.1:0"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad schedule", func(c *config.Config) {
			c.Scripts = []config.ScriptConfig{{ID: "x", Command: "true", Schedule: "sometimes"}}
		}, "scripts[0].schedule"},
		{"interval too short", func(c *config.Config) {
			c.Scripts = []config.ScriptConfig{{ID: "x", Command: "true", Schedule: "100ms"}}
		}, "minimum"},
		{"unknown storage driver", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "redis"}
		}, "storage.driver"},
		{"sqlite without path", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "sqlite"}
		}, "storage.path"},
		{"bad tick", func(c *config.Config) {
			c.Supervisor.TickInterval = "often"
		}, "supervisor.tick_interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := baseConfig(dir)
			tc.mutate(&cfg)
			path := filepath.Join(dir, "config.json")
			writeConfig(t, path, cfg)
			if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{"absent", nil, false, "", false},
		{"none", &config.StorageConfig{Driver: "none"}, false, "", false},
		{"file", &config.StorageConfig{Driver: "File", Path: "x"}, true, "file", false},
		{"sqlite3", &config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, true, "sqlite3", false},
		{"bad retention", &config.StorageConfig{Driver: "file", RunRetention: "forever"}, false, "", true},
	}
	for _, tc := range cases {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if enabled != tc.enabled || sc.Driver != tc.driver {
			t.Fatalf("%s: got enabled=%v driver=%q", tc.name, enabled, sc.Driver)
		}
	}
	sc, _, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if sc.BusyTimeout != time.Second {
		t.Fatalf("busy timeout default = %s", sc.BusyTimeout)
	}
}

func TestApplyInternetToggles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := baseConfig(dir)
	cfg.Console.Enabled = false
	cfg.Storage = nil
	path := filepath.Join(dir, "config.json")
	writeConfig(t, path, cfg)

	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.bgp.Close(context.Background()) })
	ctx := context.Background()

	on := cfg
	on.Checks.Internet = config.InternetCheckConfig{Enabled: true, Interval: "1m"}
	if err := a.applyInternet(ctx, &on); err != nil {
		t.Fatal(err)
	}
	snap, err := a.bgp.Get(checks.InternetTaskID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Period != time.Minute {
		t.Fatalf("period = %s", snap.Period)
	}

	if err := a.applyInternet(ctx, &cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := a.bgp.Get(checks.InternetTaskID); !errors.Is(err, bgp.ErrNotFound) {
		t.Fatalf("check still registered: %v", err)
	}

	on.Checks.Internet.Interval = "2m"
	if err := a.applyInternet(ctx, &on); err != nil {
		t.Fatal(err)
	}
	if snap, err := a.bgp.Get(checks.InternetTaskID); err != nil || snap.Period != 2*time.Minute {
		t.Fatalf("re-enabled check: %+v %v", snap, err)
	}
}

func TestAppLifecycleAndHotReload(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := baseConfig(dir)
	cfg.Scripts = []config.ScriptConfig{{ID: "boot", Command: "true", Schedule: "once"}}
	writeConfig(t, path, cfg)

	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "boot script to finish", func() bool {
		s, err := a.Supervisor().Get("boot")
		return err == nil && s.State == bgp.StateDone
	})

	addr := a.Console().Addr()
	if addr == "" {
		t.Fatal("console not listening")
	}
	resp, err := http.Get("http://" + addr + "/api/bgp")
	if err != nil {
		t.Fatal(err)
	}
	var list []struct {
		ID string `json:"id"`
	}
	err = json.NewDecoder(resp.Body).Decode(&list)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status=%d err=%v", resp.StatusCode, err)
	}
	if len(list) != 1 || list[0].ID != "boot" {
		t.Fatalf("visible tasks = %+v", list)
	}

	cfg.Scripts = append(cfg.Scripts, config.ScriptConfig{ID: "poll", Command: "true", Schedule: "1h"})
	writeConfig(t, path, cfg)
	waitFor(t, "reloaded script", func() bool {
		_, err := a.Supervisor().Get("poll")
		return err == nil
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	if a.Console().Addr() != "" {
		t.Fatal("console still listening after stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not cancelled")
	}
}
