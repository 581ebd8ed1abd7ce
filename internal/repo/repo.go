package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalJSONMap(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalJSONSlice(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// --- content records ---

func (r Repo) InsertContentTx(ctx context.Context, tx *sql.Tx, c domain.ContentRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO content_records(stable_key,entity_key,version,source,raw_content,content_hash,fetched_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.StableKey, c.EntityKey, c.Version, nullable(c.Source), c.RawContent, c.ContentHash, c.FetchedAt, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ContentByHash(ctx context.Context, stableKey, hash string) (domain.ContentRecord, error) {
	return scanContent(r.DB.QueryRowContext(ctx,
		`SELECT id,stable_key,entity_key,version,COALESCE(source,''),raw_content,content_hash,fetched_at,created_at FROM content_records WHERE stable_key=? AND content_hash=?`,
		stableKey, hash))
}

func (r Repo) LatestContent(ctx context.Context, stableKey string) (domain.ContentRecord, error) {
	return scanContent(r.DB.QueryRowContext(ctx,
		`SELECT id,stable_key,entity_key,version,COALESCE(source,''),raw_content,content_hash,fetched_at,created_at FROM content_records WHERE stable_key=? ORDER BY version DESC LIMIT 1`,
		stableKey))
}

func (r Repo) GetContent(ctx context.Context, id int64) (domain.ContentRecord, error) {
	return scanContent(r.DB.QueryRowContext(ctx,
		`SELECT id,stable_key,entity_key,version,COALESCE(source,''),raw_content,content_hash,fetched_at,created_at FROM content_records WHERE id=?`, id))
}

// LatestContentByEntity returns the newest version of every stable key under
// the entity key.
func (r Repo) LatestContentByEntity(ctx context.Context, entityKey string) ([]domain.ContentRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,stable_key,entity_key,version,COALESCE(source,''),raw_content,content_hash,fetched_at,created_at FROM content_records c
WHERE entity_key=? AND version=(SELECT MAX(version) FROM content_records c2 WHERE c2.stable_key=c.stable_key)
ORDER BY stable_key ASC`, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentRecord
	for rows.Next() {
		var c domain.ContentRecord
		if err := rows.Scan(&c.ID, &c.StableKey, &c.EntityKey, &c.Version, &c.Source, &c.RawContent, &c.ContentHash, &c.FetchedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanContent(row *sql.Row) (domain.ContentRecord, error) {
	var c domain.ContentRecord
	err := row.Scan(&c.ID, &c.StableKey, &c.EntityKey, &c.Version, &c.Source, &c.RawContent, &c.ContentHash, &c.FetchedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// --- draft records ---

func (r Repo) InsertDraftTx(ctx context.Context, tx *sql.Tx, d domain.DraftRecord) error {
	fields, err := marshalJSONMap(d.Fields)
	if err != nil {
		return err
	}
	sources, err := marshalJSONSlice(d.SourceKeys)
	if err != nil {
		return err
	}
	var embedding any
	if len(d.Embedding) > 0 {
		b, err := json.Marshal(d.Embedding)
		if err != nil {
			return err
		}
		embedding = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO draft_records(id,entity_key,title,fields_json,source_keys_json,embedding_json,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, fields_json=excluded.fields_json, source_keys_json=excluded.source_keys_json, embedding_json=excluded.embedding_json`,
		d.ID, d.EntityKey, d.Title, fields, sources, embedding, d.CreatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.DraftRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_key,title,fields_json,source_keys_json,embedding_json,created_at FROM draft_records WHERE id=?`, id)
	return scanDraft(row.Scan)
}

func (r Repo) ListDrafts(ctx context.Context, entityKey string) ([]domain.DraftRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_key,title,fields_json,source_keys_json,embedding_json,created_at FROM draft_records WHERE entity_key=? ORDER BY created_at ASC, id ASC`, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DraftRecord
	for rows.Next() {
		d, err := scanDraft(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDraft(scan func(...any) error) (domain.DraftRecord, error) {
	var d domain.DraftRecord
	var fields, sources, embedding sql.NullString
	err := scan(&d.ID, &d.EntityKey, &d.Title, &fields, &sources, &embedding, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if fields.Valid {
		if err := json.Unmarshal([]byte(fields.String), &d.Fields); err != nil {
			return d, err
		}
	}
	if sources.Valid {
		if err := json.Unmarshal([]byte(sources.String), &d.SourceKeys); err != nil {
			return d, err
		}
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &d.Embedding); err != nil {
			return d, err
		}
	}
	return d, nil
}

// --- canonical records ---

func (r Repo) UpsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	fields, err := marshalJSONMap(rec.Fields)
	if err != nil {
		return err
	}
	deleted := 0
	if rec.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO records(id,entity_key,title,fields_json,merged_into,deleted,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, fields_json=excluded.fields_json, merged_into=excluded.merged_into, deleted=excluded.deleted, updated_at=excluded.updated_at`,
		rec.ID, rec.EntityKey, rec.Title, fields, nullableStringPtr(rec.MergedInto), deleted, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,entity_key,title,fields_json,merged_into,deleted,created_at,updated_at FROM records WHERE id=?`, id)
	return scanRecord(row.Scan)
}

func (r Repo) GetRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,entity_key,title,fields_json,merged_into,deleted,created_at,updated_at FROM records WHERE id=?`, id)
	return scanRecord(row.Scan)
}

func (r Repo) ListRecords(ctx context.Context, entityKey string) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_key,title,fields_json,merged_into,deleted,created_at,updated_at FROM records WHERE entity_key=? ORDER BY created_at ASC, id ASC`, entityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRecord(scan func(...any) error) (domain.Record, error) {
	var rec domain.Record
	var fields, mergedInto sql.NullString
	var deleted int
	err := scan(&rec.ID, &rec.EntityKey, &rec.Title, &fields, &mergedInto, &deleted, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if fields.Valid {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			return rec, err
		}
	}
	if mergedInto.Valid {
		rec.MergedInto = &mergedInto.String
	}
	rec.Deleted = deleted != 0
	return rec, nil
}

// --- audit events ---

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     int64
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
