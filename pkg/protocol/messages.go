// Package protocol is the wire contract between a participant and the session
// coordinator: JSON frames of the form {"type": KIND, "data": {...}}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

var ErrUnknownKind = errors.New("unknown message kind")
var ErrMalformed = errors.New("malformed message")

type Kind string

const (
	KindSessionState   Kind = "SESSION_STATE"
	KindUserJoin       Kind = "USER_JOIN"
	KindUserLeave      Kind = "USER_LEAVE"
	KindPieceMove      Kind = "PIECE_MOVE"
	KindPiecePlaced    Kind = "PIECE_PLACED"
	KindPieceLock      Kind = "PIECE_LOCK"
	KindPieceUnlock    Kind = "PIECE_UNLOCK"
	KindPieceRelease   Kind = "PIECE_RELEASE"
	KindPieceRotate    Kind = "PIECE_ROTATE"
	KindCursorMove     Kind = "CURSOR_MOVE"
	KindPuzzleComplete Kind = "PUZZLE_COMPLETE"
	KindError          Kind = "ERROR" // only ever sent to the connection that caused it
)

func (k Kind) Valid() bool {
	switch k {
	case KindSessionState, KindUserJoin, KindUserLeave, KindPieceMove, KindPiecePlaced,
		KindPieceLock, KindPieceUnlock, KindPieceRelease, KindPieceRotate, KindCursorMove,
		KindPuzzleComplete, KindError:
		return true
	}
	return false
}

// Envelope is immutable once built; Data holds the kind-specific payload.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Server -> Client payloads. Client -> Server intents reuse the same shapes with
// userId left empty; the coordinator stamps it from the connection.

type SessionState struct {
	Session *puzzle.Session `json:"session"`
	UserID  string          `json:"userId"`
}

type UserJoin struct {
	User *puzzle.User `json:"user"`
}

type UserLeave struct {
	UserID string `json:"userId"`
}

type PieceMove struct {
	PieceID int     `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	UserID  string  `json:"userId,omitempty"`
}

type PiecePlaced struct {
	PieceID int     `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	UserID  string  `json:"userId"` // placing user
}

type PieceLock struct {
	PieceID int    `json:"pieceId"`
	UserID  string `json:"userId,omitempty"`
}

type PieceUnlock struct {
	PieceID int    `json:"pieceId"`
	UserID  string `json:"userId,omitempty"`
}

type PieceRelease struct {
	PieceID int     `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	UserID  string  `json:"userId,omitempty"`
}

type PieceRotate struct {
	PieceID   int     `json:"pieceId"`
	Rotation  float64 `json:"rotation"`
	IsPlaced  *bool   `json:"isPlaced,omitempty"`
	PlacedBy  *string `json:"placedBy,omitempty"`
	Direction int     `json:"direction,omitempty"` // intent only: 1 or -1
	UserID    string  `json:"userId,omitempty"`
}

type CursorMove struct {
	UserID string  `json:"userId,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

type PuzzleComplete struct {
	CompletedAt int64 `json:"completedAt,omitempty"` // unix millis
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New wraps payload into an envelope of the given kind.
func New(kind Kind, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if payload == nil {
		return Envelope{Type: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, Data: raw}, nil
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if len(env.Data) == 0 {
		return out, fmt.Errorf("%w: %s has no data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}

// Encode renders a full frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Parse reads a full frame and rejects unknown kinds.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return env, nil
}
