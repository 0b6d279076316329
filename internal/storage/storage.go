package storage

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

const avatarKeyPrefix = "avatars/"

// AvatarStore keeps one avatar object per user on top of an
// ObjectStorage backend.
type AvatarStore struct {
	backend ObjectStorage
}

// NewAvatarStore constructs an AvatarStore over the provided backend.
func NewAvatarStore(backend ObjectStorage) *AvatarStore {
	return &AvatarStore{backend: backend}
}

// EnsureBucket ensures the configured bucket exists.
func (s *AvatarStore) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Put uploads the user's avatar, replacing any existing one.
func (s *AvatarStore) Put(ctx context.Context, userID uuid.UUID, r io.Reader, size int64, contentType string) error {
	return s.backend.Put(ctx, avatarKey(userID), r, size, contentType)
}

// Get opens a reader for the user's avatar.
func (s *AvatarStore) Get(ctx context.Context, userID uuid.UUID) (io.ReadCloser, error) {
	return s.backend.Get(ctx, avatarKey(userID))
}

// Delete removes the user's avatar.
func (s *AvatarStore) Delete(ctx context.Context, userID uuid.UUID) error {
	return s.backend.Delete(ctx, avatarKey(userID))
}

// Bucket returns the configured bucket name.
func (s *AvatarStore) Bucket() string {
	return s.backend.Bucket()
}

func avatarKey(userID uuid.UUID) string {
	return avatarKeyPrefix + userID.String()
}
