package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a requested key does not exist in storage.
var ErrNotFound = errors.New("not found")

// Object is a blob to be written under Key.
type Object struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Storage is a write-mostly blob store used for task artifacts.
type Storage interface {
	// Put writes obj and returns the URL the object is reachable at.
	Put(ctx context.Context, obj *Object) (string, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
