package profile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/khushaldangi18/conversa/internal/model"
	"github.com/khushaldangi18/conversa/internal/remote"
)

// ErrEmptyPhoto is returned when UpdatePhoto is called without image data.
var ErrEmptyPhoto = errors.New("profile: empty photo")

// Editor writes the current user's own profile and keeps the cache in step.
type Editor struct {
	store  remote.Store
	blobs  remote.BlobStore
	cache  *Cache
	logger *zap.Logger
}

func NewEditor(store remote.Store, blobs remote.BlobStore, cache *Cache, logger *zap.Logger) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{store: store, blobs: blobs, cache: cache, logger: logger.Named("profile")}
}

// Register creates or replaces users/{p.ID}. Block sets already stored on the
// document are preserved.
func (e *Editor) Register(ctx context.Context, p model.UserProfile) error {
	if p.ID == "" {
		return errors.New("register profile: empty id")
	}
	if existing, err := e.store.Get(ctx, remote.UserPath(p.ID)); err == nil {
		cur := model.ProfileFromDoc(existing)
		p.BlockedUsers, p.BlockedBy = cur.BlockedUsers, cur.BlockedBy
	} else if !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("register profile %s: %w", p.ID, err)
	}
	if err := e.store.Set(ctx, remote.UserPath(p.ID), p.Fields()); err != nil {
		return fmt.Errorf("register profile %s: %w", p.ID, err)
	}
	e.cache.Put(p)
	return nil
}

// UpdatePhoto uploads data as the user's photo under the key {uid}, points
// photoURL at it and refreshes the cached profile.
func (e *Editor) UpdatePhoto(ctx context.Context, uid string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPhoto
	}
	url, err := e.blobs.Upload(ctx, uid, data, "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	if err := e.store.Update(ctx, remote.UserPath(uid), remote.Fields{"photoURL": url}); err != nil {
		return "", fmt.Errorf("set photo url: %w", err)
	}
	e.cache.Refresh(ctx, uid)
	e.logger.Info("profile photo updated", zap.String("user_id", uid))
	return url, nil
}

// SetVisibility makes the profile public (anyone may start a chat) or
// private (others must send a chat request).
func (e *Editor) SetVisibility(ctx context.Context, uid string, public bool) error {
	if err := e.store.Update(ctx, remote.UserPath(uid), remote.Fields{"isPublic": public}); err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	e.cache.Refresh(ctx, uid)
	return nil
}
