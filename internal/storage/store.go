// Package storage is the key/value persistence collaborator behind transcripts and identities.
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store persists opaque values under string keys.
type Store interface {
	// Get returns ok=false when the key has never been written.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverMySQL  = "mysql"
)

// Options selects and configures a Store implementation.
type Options struct {
	Driver string
	Dir    string
	DSN    string
}

// Open builds the Store named by opts.Driver.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(opts.Dir)
	case DriverMySQL:
		return NewGormStore(opts.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

// Scoped prefixes every key with scope, giving each client profile its own namespace.
func Scoped(inner Store, scope string) Store {
	return &scopedStore{inner: inner, prefix: scope + ":"}
}

type scopedStore struct {
	inner  Store
	prefix string
}

func (s *scopedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scopedStore) Put(ctx context.Context, key string, value []byte) error {
	return s.inner.Put(ctx, s.prefix+key, value)
}

func (s *scopedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}
