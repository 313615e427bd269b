package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"worldwatch/internal/entity"
	logx "worldwatch/pkg/logx"
)

// compactEvery folds the journal into the snapshot after this many commits.
const compactEvery = 500

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.seen.snapshot.json (periodic snapshot: key -> ids)
//   - <prefix>.seen.journal.jsonl (append-only journal of whole-set commits)
//
// A commit is one journal line. A torn final line is skipped on replay, so a
// crash mid-write leaves the previous set for that key in place.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      journalFile
	sets         map[string][]string

	writes int
}

// journalFile is the part of *os.File the journal uses.
type journalFile interface {
	io.WriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

type commitRecord struct {
	Key string   `json:"key"`
	IDs []string `json:"ids"`
}

func openFile(cfg Config, log logx.Logger) (Tracker, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrNoPath
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"

	sets := map[string][]string{}
	if err := loadSnapshot(snapPath, sets); err != nil && !os.IsNotExist(err) {
		log.Warn("seen snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, sets); err != nil && !os.IsNotExist(err) {
		log.Warn("seen journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	if err := trimTornTail(journalPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file tracker opened", logx.String("prefix", prefix), logx.Int("keys", len(sets)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		sets:         sets,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	_ = ctx
	key, err := Key(platform, shard)
	if err != nil {
		return entity.IDSet{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return entity.IDSet{}, ErrClosed
	}
	return entity.NewIDSet(s.sets[key]...), nil
}

func (s *fileStore) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	_ = ctx
	key, err := Key(platform, shard)
	if err != nil {
		return err
	}
	rec := commitRecord{Key: key, IDs: ids.Slice()}
	if rec.IDs == nil {
		rec.IDs = []string{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	off, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	// Write the whole line in one call, then sync, before the in-memory view
	// changes. Readers only ever see fully committed sets.
	_, err = s.journal.Write(line)
	if err == nil {
		err = s.journal.Sync()
	}
	if err != nil {
		s.rewindLocked(off)
		return err
	}
	s.sets[key] = rec.IDs

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// rewindLocked cuts the journal back to off after a failed append so the next
// commit does not land on a partial line.
func (s *fileStore) rewindLocked(off int64) {
	if err := s.journal.Truncate(off); err != nil {
		s.log.Warn("seen journal rewind failed", logx.Int64("offset", off), logx.Err(err))
		return
	}
	if _, err := s.journal.Seek(off, io.SeekStart); err != nil {
		s.log.Warn("seen journal rewind failed", logx.Int64("offset", off), logx.Err(err))
	}
}

// Compact folds the journal into the snapshot file.
func (s *fileStore) Compact(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.sets); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
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
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r commitRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.IDs
	}
	return sc.Err()
}

// trimTornTail drops a trailing partial line left by a crash mid-append, so
// the next commit starts on a fresh line.
func trimTornTail(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(b, '\n')+1))
}
