package reconcile

import (
	"sort"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

// Store is a participant's mirror of one session. Readers get copies; the only
// writer is the Reconciler that owns the Store.
type Store struct {
	session *puzzle.Session
	self    string
}

// NewStore returns an empty mirror; it loads on the first SESSION_STATE.
func NewStore() *Store { return &Store{} }

// Loaded reports whether a snapshot has been applied.
func (s *Store) Loaded() bool { return s.session != nil }

// Self is the participant's own user id, learnt from SESSION_STATE.
func (s *Store) Self() string { return s.self }

func (s *Store) Completed() bool { return s.session != nil && s.session.Completed }

func (s *Store) Piece(id int) (puzzle.Piece, bool) {
	if s.session == nil {
		return puzzle.Piece{}, false
	}
	p := s.session.Piece(id)
	if p == nil {
		return puzzle.Piece{}, false
	}
	return *p, true
}

func (s *Store) User(id string) (puzzle.User, bool) {
	if s.session == nil {
		return puzzle.User{}, false
	}
	u, ok := s.session.Users[id]
	if !ok {
		return puzzle.User{}, false
	}
	return *u, true
}

// Users returns the connected users ordered by id.
func (s *Store) Users() []puzzle.User {
	if s.session == nil {
		return nil
	}
	out := make([]puzzle.User, 0, len(s.session.Users))
	for _, u := range s.session.Users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is a deep copy safe to hand to rendering.
func (s *Store) Snapshot() *puzzle.Session { return s.session.Clone() }

// Scores counts placed pieces per user.
func (s *Store) Scores() map[string]int {
	if s.session == nil {
		return map[string]int{}
	}
	return s.session.Scores()
}

func (s *Store) piece(id int) *puzzle.Piece {
	if s.session == nil {
		return nil
	}
	return s.session.Piece(id)
}
