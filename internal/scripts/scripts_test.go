package scripts

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"homebgp/internal/bgp"
	"homebgp/internal/config"
	"homebgp/pkg/logx"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shScript(id, body string) config.ScriptConfig {
	return config.ScriptConfig{ID: id, Command: "sh", Args: []string{"-c", body}, Schedule: "once"}
}

func TestScriptRun(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cases := []struct {
		name    string
		cfg     config.ScriptConfig
		wantErr string
	}{
		{"ok", shScript("ok", "echo hello"), ""},
		{"exit code with output", shScript("fail", "echo starting; echo device unreachable >&2; exit 3"), "exit status 3: device unreachable"},
		{"exit code silent", shScript("quiet", "exit 2"), "exit status 2"},
		{"env", config.ScriptConfig{ID: "env", Command: "sh", Args: []string{"-c", `test "$HUB_ROOM" = kitchen`}, Env: map[string]string{"HUB_ROOM": "kitchen"}}, ""},
		{"dir", config.ScriptConfig{ID: "dir", Command: "sh", Args: []string{"-c", `test "$(pwd)" = "$EXPECT"`}, Dir: "/", Env: map[string]string{"EXPECT": "/"}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewScript(tc.cfg, logx.Nop()).Run(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestScriptRunHonoursCancellation(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := NewScript(shScript("sleepy", "sleep 10"), logx.Nop()).Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation took %s", time.Since(start))
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()
	b := &tailBuffer{max: 8}
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("ghij\nlast"))
	if got := b.String(); got != "ghij\nlast"[1:] {
		t.Fatalf("tail = %q", got)
	}
	if got := b.lastLine(); got != "last" {
		t.Fatalf("lastLine = %q", got)
	}
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()
	got := mergeEnv([]string{"PATH=/bin", "A=1"}, map[string]string{"A": "2", "B": "3"})
	want := "PATH=/bin A=2 B=3"
	if strings.Join(got, " ") != want {
		t.Fatalf("env = %v", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		schedule string
		ok       bool
	}{
		{"once", "once", true},
		{"interval", "30s", true},
		{"cron", "*/5 * * * *", true},
		{"too fast", "500ms", false},
		{"garbage", "sometimes", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		err := Validate([]config.ScriptConfig{{ID: "x", Command: "true", Schedule: tc.schedule}})
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if err != nil && !strings.Contains(err.Error(), "scripts[0].schedule") {
			t.Fatalf("%s: error lacks path: %v", tc.name, err)
		}
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	sup := bgp.New(bgp.Config{})
	t.Cleanup(func() { _ = sup.Close(context.Background()) })
	m := NewManager(sup, logx.Nop())
	ctx := context.Background()

	first := []config.ScriptConfig{
		{ID: "backup", Command: "true", Schedule: "1h"},
		{ID: "cleanup", Command: "true", Schedule: "*/5 * * * *", Disabled: true},
		{ID: "boot", Command: "true", Schedule: "once", HideOnUI: true},
	}
	if err := m.Reconcile(ctx, first); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(m.IDs(), ","); got != "backup,boot,cleanup" {
		t.Fatalf("ids = %s", got)
	}
	backup, err := sup.Get("backup")
	if err != nil {
		t.Fatal(err)
	}
	if backup.State != bgp.StateScheduled || backup.Period != time.Hour || backup.Metadata["kind"] != "script" {
		t.Fatalf("unexpected backup snapshot %+v", backup)
	}
	if cleanup, _ := sup.Get("cleanup"); cleanup.State != bgp.StateStopped {
		t.Fatalf("disabled script state = %s", cleanup.State)
	}
	if boot, _ := sup.Get("boot"); !boot.Hidden {
		t.Fatal("hide_on_ui not applied")
	}

	// Unchanged scripts keep their context; changed ones are replaced.
	if err := m.Reconcile(ctx, first); err != nil {
		t.Fatal(err)
	}
	if again, _ := sup.Get("backup"); !again.CreationTime.Equal(backup.CreationTime) {
		t.Fatal("unchanged script was re-registered")
	}

	second := []config.ScriptConfig{
		{ID: "backup", Command: "true", Schedule: "2h"},
		{ID: "cleanup", Command: "true", Schedule: "*/5 * * * *"},
	}
	if err := m.Reconcile(ctx, second); err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(m.IDs(), ","); got != "backup,cleanup" {
		t.Fatalf("ids = %s", got)
	}
	if _, err := sup.Get("boot"); !errors.Is(err, bgp.ErrNotFound) {
		t.Fatalf("removed script still registered: %v", err)
	}
	if b, _ := sup.Get("backup"); b.Period != 2*time.Hour {
		t.Fatalf("backup period = %s", b.Period)
	}
	if c, _ := sup.Get("cleanup"); c.State != bgp.StateScheduled {
		t.Fatalf("re-enabled script state = %s", c.State)
	}

	bad := append(second, config.ScriptConfig{ID: "broken", Command: "true", Schedule: "sometimes"})
	if err := m.Reconcile(ctx, bad); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected error for broken script, got %v", err)
	}
}
