package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/khushaldangi18/conversa/internal/remote"
)

// BlobURLPrefix prefixes the URLs returned by Upload.
const BlobURLPrefix = "blob://"

// Upload stores data under key, replacing any previous blob.
func (db *DB) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "store.Upload", trace.WithAttributes(
		attribute.String("blob.key", key),
		attribute.Int("blob.size", len(data)),
	))
	defer span.End()

	if key == "" {
		return "", errors.New("upload: empty key")
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO blobs (key, content_type, data, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data,
			size = excluded.size`,
		key, contentType, data, len(data), db.now().UnixMilli(),
	); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("upload %s: %w", key, classify(err))
	}
	return BlobURLPrefix + key, nil
}

// Download returns the blob a URL from Upload refers to.
func (db *DB) Download(ctx context.Context, url string) ([]byte, error) {
	key, ok := strings.CutPrefix(url, BlobURLPrefix)
	if !ok {
		return nil, fmt.Errorf("download %q: %w", url, remote.ErrNotFound)
	}
	var data []byte
	err := db.GetContext(ctx, &data, `SELECT data FROM blobs WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", key, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, classify(err))
	}
	return data, nil
}
