package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/remote"
)

var tracer = otel.Tracer("github.com/khushaldangi18/conversa/internal/store")

type documentRow struct {
	Path  string `db:"path"`
	DocID string `db:"doc_id"`
	Data  string `db:"data"`
}

func (r documentRow) decode() (remote.Doc, error) {
	var data remote.Fields
	if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
		return remote.Doc{}, fmt.Errorf("decode %s: %w", r.Path, err)
	}
	return remote.Doc{Path: r.Path, ID: r.DocID, Data: data}, nil
}

// Get returns the document at path.
func (db *DB) Get(ctx context.Context, path string) (remote.Doc, error) {
	var row documentRow
	err := db.GetContext(ctx, &row, `SELECT path, doc_id, data FROM documents WHERE path = ?`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Doc{}, fmt.Errorf("get %s: %w", path, remote.ErrNotFound)
	}
	if err != nil {
		return remote.Doc{}, fmt.Errorf("get %s: %w", path, classify(err))
	}
	return row.decode()
}

// Query returns the documents matching q.
func (db *DB) Query(ctx context.Context, q remote.Query) ([]remote.Doc, error) {
	docs, _, err := db.snapshot(ctx, q)
	return docs, err
}

// snapshot evaluates q and returns the result with a fingerprint of its content.
func (db *DB) snapshot(ctx context.Context, q remote.Query) ([]remote.Doc, uint64, error) {
	var rows []documentRow
	if err := db.SelectContext(ctx, &rows,
		`SELECT path, doc_id, data FROM documents WHERE collection = ? ORDER BY path`, q.Collection); err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", q.Collection, classify(err))
	}

	raw := make(map[string]string, len(rows))
	docs := make([]remote.Doc, 0, len(rows))
	for _, r := range rows {
		d, err := r.decode()
		if err != nil {
			db.logger.Warn("skipping undecodable document", zap.String("path", r.Path), zap.Error(err))
			continue
		}
		raw[r.Path] = r.Data
		docs = append(docs, d)
	}

	result := q.Apply(docs)
	h := fnv.New64a()
	for _, d := range result {
		_, _ = h.Write([]byte(d.Path))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(raw[d.Path]))
		_, _ = h.Write([]byte{0})
	}
	return result, h.Sum64(), nil
}

// Add creates a document with a generated id.
func (db *DB) Add(ctx context.Context, collection string, data remote.Fields) (string, error) {
	id := uuid.NewString()
	if err := db.Set(ctx, collection+"/"+id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (db *DB) Set(ctx context.Context, path string, data remote.Fields) error {
	return db.Commit(ctx, remote.NewBatch().Set(path, data))
}

func (db *DB) Update(ctx context.Context, path string, data remote.Fields) error {
	return db.Commit(ctx, remote.NewBatch().Update(path, data))
}

// Delete removes the document at path. Deleting a missing document succeeds.
func (db *DB) Delete(ctx context.Context, path string) error {
	return db.Commit(ctx, remote.NewBatch().Delete(path))
}

// Commit applies every write of b in one transaction. On any failure nothing
// is written.
func (db *DB) Commit(ctx context.Context, b *remote.Batch) (err error) {
	ctx, span := tracer.Start(ctx, "store.Commit", trace.WithAttributes(attribute.Int("store.writes", b.Len())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if b.Len() == 0 {
		return nil
	}
	if b.Len() > remote.MaxBatchWrites {
		return fmt.Errorf("commit %d writes: %w", b.Len(), remote.ErrBatchTooLarge)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[string]struct{})
	for _, w := range b.Writes {
		if err := db.apply(ctx, tx, w); err != nil {
			return err
		}
		col, _ := remote.SplitPath(w.Path)
		touched[col] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	db.notify(touched)
	return nil
}

func (db *DB) apply(ctx context.Context, tx *sqlx.Tx, w remote.Write) error {
	if !remote.ValidDocPath(w.Path) {
		return fmt.Errorf("%s %q: invalid document path", w.Kind, w.Path)
	}
	col, id := remote.SplitPath(w.Path)
	now := db.now().UnixMilli()

	switch w.Kind {
	case remote.WriteSet:
		body, err := json.Marshal(remote.ApplySet(w.Data))
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.Path, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (path, collection, doc_id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				data = excluded.data,
				updated_at = excluded.updated_at`,
			w.Path, col, id, string(body), now, now,
		); err != nil {
			return fmt.Errorf("set %s: %w", w.Path, classify(err))
		}

	case remote.WriteUpdate:
		var raw string
		err := tx.GetContext(ctx, &raw, `SELECT data FROM documents WHERE path = ?`, w.Path)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update %s: %w", w.Path, remote.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", w.Path, classify(err))
		}
		var cur remote.Fields
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("decode %s: %w", w.Path, err)
		}
		body, err := json.Marshal(remote.ApplyUpdate(cur, w.Data))
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.Path, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET data = ?, updated_at = ? WHERE path = ?`,
			string(body), now, w.Path,
		); err != nil {
			return fmt.Errorf("update %s: %w", w.Path, classify(err))
		}

	case remote.WriteDelete:
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, w.Path); err != nil {
			return fmt.Errorf("delete %s: %w", w.Path, classify(err))
		}

	default:
		return fmt.Errorf("unknown write kind %d for %s", w.Kind, w.Path)
	}
	return nil
}
