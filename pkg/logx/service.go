package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards lines at MinLevel (default warn) or above to the
// Notifier, at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Notifier receives formatted alert text. Calls come from one goroutine.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

const (
	alertQueueSize  = 128
	alertTimeout    = 10 * time.Second
	alertMaxLen     = 3500
	defaultLogPath  = "./homebgp.log"
	alertFieldLimit = 600
	alertStackLimit = 900
)

// Service owns the log outputs and swaps them on Apply.
type Service struct {
	root atomic.Value // zerolog.Logger

	mu       sync.Mutex
	file     *os.File
	notifier Notifier
	limiter  *rate.Limiter
	minLevel zerolog.Level

	alerts      chan string
	alertOnce   sync.Once
	alertCancel context.CancelFunc
	alertWG     sync.WaitGroup
}

// New applies cfg and returns the service with a logger bound to it.
// notifier may be nil and set later with SetNotifier.
func New(cfg Config, notifier Notifier) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{notifier: notifier, alerts: make(chan string, alertQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f, cancel := s.file, s.alertCancel
	s.file, s.alertCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.alertWG.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the outputs. Loggers handed out earlier pick up the change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alert.Enabled {
		s.startAlerts()
		writers = append(writers, alertSink{s})
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

// startAlerts runs the delivery goroutine once. Called with mu held.
func (s *Service) startAlerts() {
	s.alertOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.alertCancel = cancel
		s.alertWG.Add(1)
		go func() {
			defer s.alertWG.Done()
			s.deliverAlerts(ctx)
		}()
	})
}

func (s *Service) deliverAlerts(ctx context.Context) {
	for {
		var msg string
		select {
		case <-ctx.Done():
			return
		case msg = <-s.alerts:
		}
		s.mu.Lock()
		n := s.notifier
		s.mu.Unlock()
		if n == nil {
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, alertTimeout)
		if err := n.Notify(nctx, msg); err != nil {
			// Logging here would feed the sink again.
			fmt.Fprintf(os.Stderr, "logx: alert delivery: %v\n", err)
		}
		cancel()
	}
}

// alertSink is a zerolog.LevelWriter that queues matching lines and never blocks.
type alertSink struct{ s *Service }

func (a alertSink) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.InfoLevel, p) }

func (a alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.s.mu.Lock()
	lim, minLevel := a.s.limiter, a.s.minLevel
	a.s.mu.Unlock()

	if level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatAlert(p); msg != "" {
		select {
		case a.s.alerts <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatAlert turns a JSON log line into "[LEVEL] message" plus one
// "- key=value" line per field, sorted by key. Non-JSON input is passed through.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := alertFieldLimit
		if k == "stack" {
			limit = alertStackLimit
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
