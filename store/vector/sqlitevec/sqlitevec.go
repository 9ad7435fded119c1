// Package sqlitevec implements the vector store on SQLite. SQLite has
// no native vector index, so candidate rows are filtered by metadata in
// SQL and ranked by cosine similarity computed in Go. Suitable for
// single-node deployments; prefer the PostgreSQL backend at scale.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/astrayn/engram/store/vector"
)

// DB wraps a SQLite database implementing vector.Store.
type DB struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at dsn and ensures the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	stmt := `
		CREATE TABLE IF NOT EXISTS memory_record (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			ts INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			embedding BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_record_user_chat ON memory_record (user_id, chat_id);
	`
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "failed to migrate memory_record")
	}
	return nil
}

// Upsert writes one record, overwriting on ID conflict.
func (d *DB) Upsert(ctx context.Context, record *vector.Record) error {
	tags, err := json.Marshal(record.Metadata.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal tags")
	}

	stmt := `
		INSERT INTO memory_record (id, user_id, chat_id, role, ts, tags, content, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			ts = excluded.ts,
			tags = excluded.tags,
			content = excluded.content,
			embedding = excluded.embedding
	`
	_, err = d.db.ExecContext(ctx, stmt,
		record.ID,
		record.Metadata.UserID,
		record.Metadata.ChatID,
		record.Metadata.Role,
		record.Metadata.Timestamp.UnixMilli(),
		string(tags),
		record.Content,
		encodeVector(record.Embedding),
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET
			ts = excluded.ts,
			tags = excluded.tags,
			content = excluded.content,
			embedding = excluded.embedding
	`
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return errors.Wrap(err, "failed to prepare upsert")
	}
	defer prepared.Close()

	for _, record := range records {
		tags, err := json.Marshal(record.Metadata.Tags)
		if err != nil {
			return errors.Wrap(err, "failed to marshal tags")
		}
		if _, err := prepared.ExecContext(ctx,
			record.ID,
			record.Metadata.UserID,
			record.Metadata.ChatID,
			record.Metadata.Role,
			record.Metadata.Timestamp.UnixMilli(),
			string(tags),
			record.Content,
			encodeVector(record.Embedding),
		); err != nil {
			return errors.Wrapf(err, "failed to upsert memory record %s", record.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit upsert batch")
}

// Query loads candidate rows by metadata filter, then ranks them by
// cosine similarity in Go.
func (d *DB) Query(ctx context.Context, embedding []float32, filter vector.Filter, topK int, threshold float32) ([]*vector.Match, error) {
	where, args := []string{"1 = 1"}, []any{}

	if filter.UserID != "" {
		where, args = append(where, "user_id = ?"), append(args, filter.UserID)
	}
	if filter.ChatID != "" {
		where, args = append(where, "chat_id = ?"), append(args, filter.ChatID)
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.IDs)), ", ")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	query := `
		SELECT id, user_id, chat_id, role, ts, tags, content, embedding
		FROM memory_record
		WHERE ` + strings.Join(where, " AND ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory records")
	}
	defer rows.Close()

	matches := []*vector.Match{}
	for rows.Next() {
		var match vector.Match
		var ts int64
		var tags string
		var blob []byte
		if err := rows.Scan(
			&match.ID,
			&match.Metadata.UserID,
			&match.Metadata.ChatID,
			&match.Metadata.Role,
			&ts,
			&tags,
			&match.Content,
			&blob,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan memory record")
		}
		match.Metadata.Timestamp = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(tags), &match.Metadata.Tags); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal tags")
		}
		match.Embedding = decodeVector(blob)

		match.Score = cosineSimilarity(embedding, match.Embedding)
		if match.Score < threshold {
			continue
		}
		matches = append(matches, &match)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, nil
}

// Delete removes all records matching the filter.
func (d *DB) Delete(ctx context.Context, filter vector.Filter) error {
	where, args := []string{"1 = 1"}, []any{}

	if filter.UserID != "" {
		where, args = append(where, "user_id = ?"), append(args, filter.UserID)
	}
	if filter.ChatID != "" {
		where, args = append(where, "chat_id = ?"), append(args, filter.ChatID)
	}
	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.IDs)), ", ")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	stmt := `DELETE FROM memory_record WHERE ` + strings.Join(where, " AND ")
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to delete memory records")
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks little-endian bytes into a float32 slice.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity returns the cosine of the angle between a and b,
// or 0 when either vector is empty or zero-length.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ vector.Store = (*DB)(nil)
