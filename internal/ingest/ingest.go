// Package ingest accepts raw content into the store. Content is hashed
// server-side; re-submitting unchanged content is a no-op, and changed
// content for a known key becomes a new immutable version.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stageline/internal/bus"
	"stageline/internal/canon"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/faults"
	"stageline/internal/repo"
)

// KindContentIngested is the ingest domain's output event kind.
const KindContentIngested bus.Kind = "content.ingested"

// ContentIngested is dispatched when a new content version lands. Unchanged
// re-submissions never dispatch.
type ContentIngested struct {
	ContentID int64
	StableKey string
	EntityKey string
	Version   int
}

func (ContentIngested) EventKind() bus.Kind { return KindContentIngested }

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *bus.Bus
	Now    func() time.Time
	Log    *zap.Logger
}

func New(conn *sql.DB, b *bus.Bus, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Bus:    b,
		Now:    time.Now,
		Log:    log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Submission is one unit of content offered for ingestion. EntityKey names
// the record collection downstream stages work against.
type Submission struct {
	StableKey string `json:"stable_key"`
	EntityKey string `json:"entity_key"`
	Source    string `json:"source,omitempty"`
	Raw       string `json:"raw"`
}

// Accept stores the submission if its content is new. The returned flag is
// false when the content hash matches an already stored version for the key,
// in which case nothing is written and nothing is dispatched.
func (e Engine) Accept(ctx context.Context, sub Submission) (domain.ContentRecord, bool, error) {
	if strings.TrimSpace(sub.StableKey) == "" || strings.TrimSpace(sub.EntityKey) == "" {
		return domain.ContentRecord{}, false, faults.Validation(errors.New("stable_key and entity_key are required"))
	}
	if strings.TrimSpace(sub.Raw) == "" {
		return domain.ContentRecord{}, false, faults.Validation(errors.New("raw content is empty"))
	}
	hash := canon.HashBytes([]byte(sub.Raw))

	if existing, err := e.Repo.ContentByHash(ctx, sub.StableKey, hash); err == nil {
		e.Log.Debug("unchanged content skipped",
			zap.String("stable_key", sub.StableKey), zap.Int("version", existing.Version))
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ContentRecord{}, false, err
	}

	version := 1
	if latest, err := e.Repo.LatestContent(ctx, sub.StableKey); err == nil {
		version = latest.Version + 1
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ContentRecord{}, false, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.ContentRecord{
		StableKey:   sub.StableKey,
		EntityKey:   sub.EntityKey,
		Version:     version,
		Source:      sub.Source,
		RawContent:  sub.Raw,
		ContentHash: hash,
		FetchedAt:   now,
		CreatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContentRecord{}, false, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertContentTx(ctx, tx, rec)
	if err != nil {
		return domain.ContentRecord{}, false, fmt.Errorf("insert content: %w", err)
	}
	rec.ID = id
	if err := e.Events.Append(ctx, tx, "content.ingested", "content", fmt.Sprint(id), "ingest", events.EventPayload{
		"stable_key": sub.StableKey, "version": version, "source": sub.Source,
	}); err != nil {
		return domain.ContentRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContentRecord{}, false, err
	}

	if e.Bus != nil {
		if err := e.Bus.Dispatch(ctx, ContentIngested{
			ContentID: rec.ID,
			StableKey: sub.StableKey,
			EntityKey: sub.EntityKey,
			Version:   version,
		}); err != nil {
			return rec, true, err
		}
	}
	return rec, true, nil
}
