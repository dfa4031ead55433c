// Package storage persists coordinator sessions between restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

var ErrNotFound = errors.New("session not found")

// Store is implemented by every backend. Save overwrites the whole session and
// refreshes its expiry.
type Store interface {
	Save(ctx context.Context, s *puzzle.Session) error
	Load(ctx context.Context, id string) (*puzzle.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// KeyPrefix namespaces session keys in shared key-value backends.
const KeyPrefix = "puzzle:session:"

func Key(id string) string { return KeyPrefix + id }

func encode(s *puzzle.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decode(id string, data []byte) (*puzzle.Session, error) {
	var s puzzle.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	if s.Users == nil {
		s.Users = map[string]*puzzle.User{}
	}
	return &s, nil
}
