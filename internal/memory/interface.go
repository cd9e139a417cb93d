// Package memory is the persistent store domain workers use to remember
// events, knowledge, procedures, client context and in-flight task state.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind partitions the store.
type Kind string

const (
	Episodic   Kind = "episodic"
	Semantic   Kind = "semantic"
	Procedural Kind = "procedural"
	Emotional  Kind = "emotional"
	// Working entries expire after the store's working TTL.
	Working Kind = "working"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{Episodic, Semantic, Procedural, Emotional, Working}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Episodic, Semantic, Procedural, Emotional, Working:
		return true
	}
	return false
}

var (
	ErrNotFound    = errors.New("memory not found")
	ErrInvalidKind = errors.New("invalid memory kind")
)

func checkKind(k Kind) error {
	if !k.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, k)
	}
	return nil
}

// Entry is one stored memory.
type Entry struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Version   int64          `json:"version"`
	StoredAt  time.Time      `json:"stored_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Data      map[string]any `json:"data"`
}

// Update is published on every write or delete.
type Update struct {
	Kind    Kind   `json:"kind"`
	ID      string `json:"id"`
	Version int64  `json:"version,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Stats counts stored entries per kind.
type Stats struct {
	Counts      map[Kind]int `json:"counts"`
	Total       int          `json:"total"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// Store defines operations on the memory store.
type Store interface {
	Put(ctx context.Context, kind Kind, id string, data map[string]any) (int64, error)
	PutMany(ctx context.Context, kind Kind, entries map[string]map[string]any) error
	Get(ctx context.Context, kind Kind, id string) (Entry, error)
	// Search matches every query key against the entry's top-level fields
	// first and its data second. String values match case-insensitive
	// substrings; other values must be equal. Newest entries come first.
	Search(ctx context.Context, kind Kind, query map[string]any, limit int) ([]Entry, error)
	Delete(ctx context.Context, kind Kind, id string) error
	Watch(ctx context.Context, kind Kind) (<-chan Update, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
