package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) GetCacheEntry(ctx context.Context, key string) (domain.CacheEntry, error) {
	var e domain.CacheEntry
	err := r.DB.QueryRowContext(ctx, `SELECT key,namespace,value,expires_at,created_at FROM cache_entries WHERE key=?`, key).
		Scan(&e.Key, &e.Namespace, &e.Value, &e.ExpiresAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

// PutCacheEntry stores a computed value. A concurrent writer for the same key
// wins last; both computed from identical inputs, so either value is correct.
func (r Repo) PutCacheEntry(ctx context.Context, e domain.CacheEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cache_entries(key,namespace,value,expires_at,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		e.Key, e.Namespace, e.Value, e.ExpiresAt, e.CreatedAt)
	return err
}

// PurgeExpiredCacheEntries removes entries past their TTL. Storage
// reclamation only; correctness never depends on it.
func (r Repo) PurgeExpiredCacheEntries(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at<?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM cache_entries`).Scan(&n)
	return n, err
}
