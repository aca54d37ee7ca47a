// Package transcript holds the ordered, append-only conversation log and keeps it persisted.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/zhouzirui/handover-chat/backend/internal/model/chat"
	"github.com/zhouzirui/handover-chat/backend/internal/storage"
)

// Key is the storage key the transcript is persisted under.
const Key = "webchat_messages"

// Store is the Message Store. It is owned by a single event loop and is not
// safe for concurrent use.
type Store struct {
	kv      storage.Store
	key     string
	entries []chat.Entry
}

// Load reads the persisted transcript. Corrupt data starts an empty transcript.
func Load(ctx context.Context, kv storage.Store, key string) (*Store, error) {
	if key == "" {
		key = Key
	}
	s := &Store{kv: kv, key: key, entries: make([]chat.Entry, 0, 32)}

	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if !ok || len(raw) == 0 {
		return s, nil
	}

	var entries []chat.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		log.Printf("[transcript] discarding corrupt transcript %s: %v", key, err)
		return s, nil
	}
	s.entries = append(s.entries, entries...)
	return s, nil
}

// Append adds e at the end and persists. A persistence failure is logged; the
// in-memory transcript keeps the entry.
func (s *Store) Append(ctx context.Context, e chat.Entry) {
	s.entries = append(s.entries, e)
	s.persist(ctx)
}

// Entries returns a copy of the transcript in order.
func (s *Store) Entries() []chat.Entry {
	out := make([]chat.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int { return len(s.entries) }

// Marshal serializes the transcript as sent to the credential endpoint.
func (s *Store) Marshal() ([]byte, error) {
	if len(s.entries) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s.entries)
}

// Reset clears every entry.
func (s *Store) Reset(ctx context.Context) {
	s.entries = s.entries[:0:0]
	if err := s.kv.Delete(ctx, s.key); err != nil {
		log.Printf("[transcript] reset %s failed: %v", s.key, err)
	}
}

func (s *Store) persist(ctx context.Context) {
	data, err := json.Marshal(s.entries)
	if err != nil {
		log.Printf("[transcript] marshal failed: %v", err)
		return
	}
	if err := s.kv.Put(ctx, s.key, data); err != nil {
		log.Printf("[transcript] persist %s failed: %v", s.key, err)
	}
}
