package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/scribe/errors"
)

// SQLiteCache stores entries in the cache_entries table.
type SQLiteCache struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewSQLiteCache creates a cache over a migrated database.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db, timeNow: time.Now}
}

// SetClock overrides the time source (tests)
func (c *SQLiteCache) SetClock(now func() time.Time) { c.timeNow = now }

// Get returns the content for fingerprint unless it is absent or expired.
func (c *SQLiteCache) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	var content string
	var expiresAt sql.NullTime
	err := c.db.QueryRowContext(ctx,
		`SELECT content, expires_at FROM cache_entries WHERE fingerprint = ?`, fingerprint).
		Scan(&content, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read cache entry")
	}
	if expiresAt.Valid && !c.timeNow().Before(expiresAt.Time) {
		return "", false, nil
	}
	return content, true, nil
}

// Put stores content, replacing any entry for the fingerprint. ttl <= 0
// stores an entry that never expires.
func (c *SQLiteCache) Put(ctx context.Context, fingerprint, content string, ttl time.Duration) error {
	now := c.timeNow().UTC()
	var expires interface{}
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, content, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			content = excluded.content,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		fingerprint, content, now, expires)
	if err != nil {
		return errors.Wrap(err, "failed to write cache entry")
	}
	return nil
}

// Invalidate deletes the selected entries and returns how many were removed.
func (c *SQLiteCache) Invalidate(ctx context.Context, sel Selector) (int64, error) {
	if err := sel.Validate(); err != nil {
		return 0, err
	}
	var res sql.Result
	var err error
	if sel.Exact != "" {
		res, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, sel.Exact)
	} else {
		res, err = c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE substr(fingerprint, 1, length(?)) = ?`, sel.Prefix, sel.Prefix)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to invalidate cache entries")
	}
	return res.RowsAffected()
}

// Purge deletes expired entries.
func (c *SQLiteCache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, c.timeNow().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge cache")
	}
	return res.RowsAffected()
}
