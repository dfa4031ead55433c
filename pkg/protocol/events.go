package protocol

import (
	"fmt"
	"time"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

// FromEvent maps a coordinator event onto the broadcast envelope for it.
func FromEvent(evt puzzle.Event, now time.Time) (Envelope, error) {
	switch evt.Type {
	case puzzle.EvtUserJoined:
		return New(KindUserJoin, UserJoin{User: evt.User})
	case puzzle.EvtUserLeft:
		return New(KindUserLeave, UserLeave{UserID: evt.UserID})
	case puzzle.EvtPieceLocked:
		return New(KindPieceLock, PieceLock{PieceID: evt.PieceID, UserID: evt.UserID})
	case puzzle.EvtPieceUnlocked:
		return New(KindPieceUnlock, PieceUnlock{PieceID: evt.PieceID, UserID: evt.UserID})
	case puzzle.EvtPieceMoved:
		return New(KindPieceMove, PieceMove{PieceID: evt.PieceID, X: evt.X, Y: evt.Y, UserID: evt.UserID})
	case puzzle.EvtPieceReleased:
		return New(KindPieceRelease, PieceRelease{PieceID: evt.PieceID, X: evt.X, Y: evt.Y, UserID: evt.UserID})
	case puzzle.EvtPiecePlaced:
		return New(KindPiecePlaced, PiecePlaced{PieceID: evt.PieceID, X: evt.X, Y: evt.Y, UserID: evt.PlacedBy})
	case puzzle.EvtPieceRotated:
		placed := evt.Placed
		payload := PieceRotate{PieceID: evt.PieceID, Rotation: evt.Rotation, IsPlaced: &placed, UserID: evt.UserID}
		if evt.PlacedBy != "" {
			payload.PlacedBy = puzzle.StrPtr(evt.PlacedBy)
		}
		return New(KindPieceRotate, payload)
	case puzzle.EvtCursorMoved:
		return New(KindCursorMove, CursorMove{UserID: evt.UserID, X: evt.X, Y: evt.Y})
	case puzzle.EvtPuzzleCompleted:
		return New(KindPuzzleComplete, PuzzleComplete{CompletedAt: now.UnixMilli()})
	default:
		return Envelope{}, fmt.Errorf("%w: event %q", ErrUnknownKind, evt.Type)
	}
}

// ToCommand turns a participant intent into a coordinator command for userID.
// Kinds a participant may not send (SESSION_STATE, PIECE_PLACED, ...) are rejected.
func ToCommand(env Envelope, userID string) (puzzle.Command, error) {
	switch env.Type {
	case KindPieceLock:
		p, err := Decode[PieceLock](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdLock, UserID: userID, PieceID: p.PieceID}, nil
	case KindPieceUnlock:
		p, err := Decode[PieceUnlock](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdUnlock, UserID: userID, PieceID: p.PieceID}, nil
	case KindPieceMove:
		p, err := Decode[PieceMove](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdMove, UserID: userID, PieceID: p.PieceID, X: p.X, Y: p.Y}, nil
	case KindPieceRelease:
		p, err := Decode[PieceRelease](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdRelease, UserID: userID, PieceID: p.PieceID, X: p.X, Y: p.Y}, nil
	case KindPieceRotate:
		p, err := Decode[PieceRotate](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdRotate, UserID: userID, PieceID: p.PieceID, Direction: p.Direction}, nil
	case KindCursorMove:
		p, err := Decode[CursorMove](env)
		if err != nil {
			return puzzle.Command{}, err
		}
		return puzzle.Command{Type: puzzle.CmdCursor, UserID: userID, X: p.X, Y: p.Y}, nil
	default:
		return puzzle.Command{}, fmt.Errorf("%w: %q is not a participant intent", ErrUnknownKind, env.Type)
	}
}
