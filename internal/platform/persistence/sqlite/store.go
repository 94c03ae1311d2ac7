// Package sqlite implements the persistent cache tier on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // SQLite driver (pure Go)
	_ "github.com/ncruces/go-sqlite3/embed"  // Embed SQLite WASM binary

	"github.com/agatticelli/labcache/internal/platform/cache"
	"github.com/agatticelli/labcache/internal/platform/observability"
)

// Store is a cache.Store over a single cache_entries table. The envelope
// expiry is mirrored into expire_at so PurgeExpired can run in SQL.
type Store struct {
	db     *sql.DB
	logger *observability.Logger
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// Open creates the database file if needed, applies pragmas and migrations
func Open(ctx context.Context, dbPath string, logger *observability.Logger) (*Store, error) {
	const dbDirPerm = 0o750

	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dbDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := RunMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.LogInfo(ctx, "cache database ready", "path", dbPath)
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL", // Safe in WAL mode
		"PRAGMA cache_size = -16000",  // 16MB
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// configurePool keeps a single long-lived connection; SQLite has one writer
func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM cache_entries WHERE key = ?`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %q: %w", key, err)
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte) error {
	var expireAt sql.NullInt64
	if t, ok := cache.EnvelopeExpiry(data); ok {
		expireAt = sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, data, expire_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			expire_at = excluded.expire_at,
			updated_at = excluded.updated_at`,
		key, data, expireAt, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite remove %q: %w", key, err)
	}
	return nil
}

// Clear deletes every key under prefix
func (s *Store) Clear(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE `+prefixMatch, prefix, prefix,
	)
	if err != nil {
		return fmt.Errorf("sqlite clear %q: %w", prefix, err)
	}
	return nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE `+prefixMatch+` ORDER BY key`, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlite scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PurgeExpired deletes rows whose envelope deadline has passed and returns
// how many went
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expire_at IS NOT NULL AND expire_at <= ?`,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// RunPurger calls PurgeExpired every interval until ctx is done
func (s *Store) RunPurger(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.LogWarn(ctx, "failed to purge expired cache rows", "error", err)
				continue
			}
			if n > 0 {
				s.logger.LogDebug(ctx, "purged expired cache rows", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// prefixMatch compares the leading characters byte for byte. LIKE folds
// ASCII case, so "lab:" would also match "LAB:x".
const prefixMatch = `substr(key, 1, length(?)) = ?`
