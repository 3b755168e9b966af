package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "dailychain/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.json       (atomic snapshot of the single-slot state)
//   - <prefix>.executions.jsonl (append-only execution history, compacted
//     back down to historySize records once it grows past the bound)
//
// The snapshot and the compacted history are both replaced via tmp+rename
// so a crash mid-write never leaves a torn file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	statePath   string
	historyFile *os.File
	historyPath string
	historySize int
	historyLen  int

	state fileState
}

type fileState struct {
	LastExecution *ExecutionRecord `json:"last_execution,omitempty"`
	NextScheduled *time.Time       `json:"next_scheduled,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	statePath := prefix + ".state.json"
	historyPath := prefix + ".executions.jsonl"

	var st fileState
	if err := loadStateSnapshot(statePath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger state snapshot unreadable; starting empty", logx.Any("err", err))
		st = fileState{}
	}

	existing, err := readHistory(historyPath)
	if err != nil {
		return nil, err
	}

	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = 200
	}

	return &fileStore{
		log:         log,
		statePath:   statePath,
		historyFile: hf,
		historyPath: historyPath,
		historySize: historySize,
		historyLen:  len(existing),
		state:       st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile != nil {
		err := s.historyFile.Close()
		s.historyFile = nil
		return err
	}
	return nil
}

func (s *fileStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	_ = ctx
	if rec.FiredAt.IsZero() {
		rec.FiredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("ledger closed")
	}

	cp := rec
	s.state.LastExecution = &cp
	if err := s.writeStateLocked(); err != nil {
		return err
	}

	enc := json.NewEncoder(s.historyFile)
	if err := enc.Encode(rec); err != nil {
		return err
	}
	s.historyLen++
	if s.historyLen > s.historySize {
		if err := s.compactHistoryLocked(); err != nil {
			// The record itself is safe; compaction retries on the next write.
			s.log.Warn("ledger history compaction failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) LastExecution(ctx context.Context) (ExecutionRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastExecution == nil {
		return ExecutionRecord{}, false, nil
	}
	return *s.state.LastExecution, true, nil
}

func (s *fileStore) RecordNextScheduled(ctx context.Context, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("ledger closed")
	}
	cp := at
	s.state.NextScheduled = &cp
	return s.writeStateLocked()
}

func (s *fileStore) NextScheduled(ctx context.Context) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.NextScheduled == nil {
		return time.Time{}, false, nil
	}
	return *s.state.NextScheduled, true, nil
}

func (s *fileStore) History(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	path := s.historyPath
	s.mu.Unlock()

	all, err := readHistory(path)
	if err != nil {
		return nil, err
	}

	// Newest first, bounded by limit.
	out := make([]ExecutionRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// compactHistoryLocked rewrites the jsonl with only the newest historySize
// records and swaps the append handle over to the new file.
func (s *fileStore) compactHistoryLocked() error {
	recs, err := readHistory(s.historyPath)
	if err != nil {
		return err
	}
	if len(recs) > s.historySize {
		recs = recs[len(recs)-s.historySize:]
	}

	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.historyPath); err != nil {
		return err
	}

	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.historyFile.Close()
	s.historyFile = hf
	s.historyLen = len(recs)
	return nil
}

// readHistory returns all decodable records, oldest first. A torn tail line
// from a crash mid-append is skipped rather than failing the read.
func readHistory(path string) ([]ExecutionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []ExecutionRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec ExecutionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		all = append(all, rec)
	}
	return all, sc.Err()
}

func (s *fileStore) writeStateLocked() error {
	tmp := s.statePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func loadStateSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}
