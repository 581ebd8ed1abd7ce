// Package memo caches outputs of expensive, deterministic computations in
// the database, keyed by a stable hash of the inputs. Entries persist across
// restarts and expire by namespace TTL.
package memo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stageline/internal/canon"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

type Cache struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func New(conn *sql.DB, cfg *config.Config, log *zap.Logger) Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return Cache{Repo: repo.Repo{DB: conn}, Config: cfg, Now: time.Now, Log: log}
}

func (c Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Key derives the cache key for a namespace and its inputs. Any input field
// affecting the output must be part of keyInputs; byte-identical inputs and
// nothing else hit the same entry.
func Key(namespace string, keyInputs any) (string, error) {
	return canon.Hash("memo:"+namespace, keyInputs)
}

// GetOrCompute returns the cached value for (namespace, keyInputs) when a
// live entry exists, otherwise runs compute, stores its output under the
// namespace TTL, and returns it. The second return reports a cache hit.
func (c Cache) GetOrCompute(ctx context.Context, namespace string, keyInputs any, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	key, err := Key(namespace, keyInputs)
	if err != nil {
		return nil, false, fmt.Errorf("cache key: %w", err)
	}
	now := c.now().UTC()

	entry, err := c.Repo.GetCacheEntry(ctx, key)
	if err == nil && entry.ExpiresAt > now.Format(time.RFC3339) {
		c.Log.Debug("cache hit", zap.String("namespace", namespace), zap.String("key", key[:12]))
		return entry.Value, true, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	ttl := c.Config.TTLFor(namespace)
	if err := c.Repo.PutCacheEntry(ctx, domain.CacheEntry{
		Key:       key,
		Namespace: namespace,
		Value:     value,
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}); err != nil {
		return nil, false, err
	}
	return value, false, nil
}

// Memoize wraps GetOrCompute for typed results, round-tripping through JSON.
func Memoize[T any](ctx context.Context, c Cache, namespace string, keyInputs any, compute func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	raw, hit, err := c.GetOrCompute(ctx, namespace, keyInputs, func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, fmt.Errorf("decode cached %s value: %w", namespace, err)
	}
	return out, hit, nil
}

// Purge deletes expired entries and returns how many were removed.
func (c Cache) Purge(ctx context.Context) (int64, error) {
	return c.Repo.PurgeExpiredCacheEntries(ctx, c.now().UTC().Format(time.RFC3339))
}
