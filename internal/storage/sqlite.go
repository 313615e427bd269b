package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"worldwatch/internal/entity"
	logx "worldwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Tracker, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrNoPath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite tracker opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) IDsSeen(ctx context.Context, platform, shard string) (entity.IDSet, error) {
	key, err := Key(platform, shard)
	if err != nil {
		return entity.IDSet{}, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT ids FROM notified_ids WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.NewIDSet(), nil
	}
	if err != nil {
		return entity.IDSet{}, err
	}
	var ids entity.IDSet
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return entity.IDSet{}, fmt.Errorf("decode ids for %s: %w", key, err)
	}
	return ids, nil
}

// Commit upserts the whole set in one statement.
func (s *sqliteStore) Commit(ctx context.Context, platform, shard string, ids entity.IDSet) error {
	key, err := Key(platform, shard)
	if err != nil {
		return err
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notified_ids(key, ids, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET ids=excluded.ids, updated_at=excluded.updated_at`,
		key, string(b), time.Now().UnixMilli(),
	)
	return err
}

// Compact checkpoints the WAL back into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
