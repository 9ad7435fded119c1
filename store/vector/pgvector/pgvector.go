// Package pgvector implements the vector store on PostgreSQL with the
// pgvector extension. This is the production backend.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/astrayn/engram/store/vector"
)

// DB wraps a PostgreSQL connection implementing vector.Store.
type DB struct {
	db         *sql.DB
	dimensions int
}

// New opens a PostgreSQL-backed vector store and ensures the schema.
func New(ctx context.Context, dsn string, dimensions int) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	d := &DB{db: db, dimensions: dimensions}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_record (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, d.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memory_record_user_chat ON memory_record (user_id, chat_id)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate memory_record")
		}
	}
	return nil
}

// Upsert writes one record, overwriting on ID conflict.
func (d *DB) Upsert(ctx context.Context, record *vector.Record) error {
	stmt := `
		INSERT INTO memory_record (id, user_id, chat_id, role, ts, tags, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			ts = EXCLUDED.ts,
			tags = EXCLUDED.tags,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`

	_, err := d.db.ExecContext(ctx, stmt,
		record.ID,
		record.Metadata.UserID,
		record.Metadata.ChatID,
		record.Metadata.Role,
		record.Metadata.Timestamp,
		pq.Array(record.Metadata.Tags),
		record.Content,
		pgv.NewVector(record.Embedding),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert memory record")
	}
	return nil
}

// UpsertBatch writes records inside one transaction.
func (d *DB) UpsertBatch(ctx context.Context, records []*vector.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO memory_record (id, user_id, chat_id, role, ts, tags, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			ts = EXCLUDED.ts,
			tags = EXCLUDED.tags,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return errors.Wrap(err, "failed to prepare upsert")
	}
	defer prepared.Close()

	for _, record := range records {
		if _, err := prepared.ExecContext(ctx,
			record.ID,
			record.Metadata.UserID,
			record.Metadata.ChatID,
			record.Metadata.Role,
			record.Metadata.Timestamp,
			pq.Array(record.Metadata.Tags),
			record.Content,
			pgv.NewVector(record.Embedding),
		); err != nil {
			return errors.Wrapf(err, "failed to upsert memory record %s", record.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit upsert batch")
}

// Query returns the topK most similar records passing the filter and
// threshold, using cosine distance.
func (d *DB) Query(ctx context.Context, embedding []float32, filter vector.Filter, topK int, threshold float32) ([]*vector.Match, error) {
	where, args := []string{"1 = 1"}, []any{}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ChatID != "" {
		args = append(args, filter.ChatID)
		where = append(where, fmt.Sprintf("chat_id = $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	args = append(args, pgv.NewVector(embedding))
	vectorArg := len(args)
	args = append(args, topK)
	limitArg := len(args)

	// Cosine distance is in [0, 2]; 1 - distance maps to a similarity score.
	query := fmt.Sprintf(`
		SELECT id, user_id, chat_id, role, ts, tags, content, embedding,
			1 - (embedding <=> $%d) AS score
		FROM memory_record
		WHERE %s
		ORDER BY embedding <=> $%d
		LIMIT $%d
	`, vectorArg, strings.Join(where, " AND "), vectorArg, limitArg)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory records")
	}
	defer rows.Close()

	matches := []*vector.Match{}
	for rows.Next() {
		var match vector.Match
		var emb pgv.Vector
		var tags pq.StringArray
		if err := rows.Scan(
			&match.ID,
			&match.Metadata.UserID,
			&match.Metadata.ChatID,
			&match.Metadata.Role,
			&match.Metadata.Timestamp,
			&tags,
			&match.Content,
			&emb,
			&match.Score,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory record")
		}
		match.Embedding = emb.Slice()
		match.Metadata.Tags = tags

		if match.Score < threshold {
			continue
		}
		matches = append(matches, &match)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// Delete removes all records matching the filter.
func (d *DB) Delete(ctx context.Context, filter vector.Filter) error {
	where, args := []string{"1 = 1"}, []any{}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ChatID != "" {
		args = append(args, filter.ChatID)
		where = append(where, fmt.Sprintf("chat_id = $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	stmt := `DELETE FROM memory_record WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete memory records")
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

var _ vector.Store = (*DB)(nil)
