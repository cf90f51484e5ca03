package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"homebgp/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to cfg.Path.
//
// Files:
//   - <prefix>.status.snapshot.json (periodic snapshot)
//   - <prefix>.status.journal.jsonl (append-only journal)
//   - <prefix>.runs.jsonl           (append-only run history)
//
// The status journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	runsFile     *os.File

	status      map[string]StatusRecord
	runs        map[string][]RunRecord // oldest first, capped at runsPerTask
	runsPerTask int
	retention   time.Duration

	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string        `json:"op"` // "put" | "del"
	ID     string        `json:"id,omitempty"`
	Status *StatusRecord `json:"status,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".status.snapshot.json",
		status:       map[string]StatusRecord{},
		runs:         map[string][]RunRecord{},
		runsPerTask:  cfg.RunsPerTask,
		retention:    cfg.RunRetention,
		compactEvery: 1000,
	}
	journalPath := prefix + ".status.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.snapshot_unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.journal_unreadable", logx.String("path", journalPath), logx.Err(err))
	}
	if err := s.loadRuns(runsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.runs_unreadable", logx.String("path", runsPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal, s.runsFile = jf, rf
	log.Debug("storage.opened", logx.String("driver", "file"), logx.String("prefix", prefix), logx.Int("tasks", len(s.status)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutStatus(_ context.Context, r StatusRecord) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return nil
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.status[r.ID] = r
	return s.appendJournalLocked(journalRecord{Op: "put", Status: &r})
}

func (s *fileStore) DeleteStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.status[id]; !ok {
		return nil
	}
	delete(s.status, id)
	return s.appendJournalLocked(journalRecord{Op: "del", ID: id})
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetStatus(_ context.Context, id string) (StatusRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.status[id]
	return r, ok, nil
}

func (s *fileStore) ListStatus(context.Context) ([]StatusRecord, error) {
	s.mu.Lock()
	out := make([]StatusRecord, 0, len(s.status))
	for _, r := range s.status {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) (string, error) {
	r = prepareRun(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return "", ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return "", err
	}
	s.addRunLocked(r)
	return r.RunID, nil
}

func (s *fileStore) addRunLocked(r RunRecord) {
	list := append(s.runs[r.TaskID], r)
	if over := len(list) - s.runsPerTask; over > 0 {
		list = append([]RunRecord(nil), list[over:]...)
	}
	s.runs[r.TaskID] = list
}

func (s *fileStore) RecentRuns(_ context.Context, taskID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.runsPerTask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.runs[taskID]
	out := make([]RunRecord, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// compactLocked rewrites the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.status); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]StatusRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		s.status[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Op {
		case "put":
			if rec.Status != nil && rec.Status.ID != "" {
				s.status[rec.Status.ID] = *rec.Status
			}
		case "del":
			delete(s.status, rec.ID)
		}
	}
	return sc.Err()
}

func (s *fileStore) loadRuns(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	cutoff := time.Now().Add(-s.retention)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.TaskID == "" {
			continue
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		s.addRunLocked(r)
	}
	return sc.Err()
}
