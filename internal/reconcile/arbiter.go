package reconcile

import "github.com/DoyleJ11/puzzle-sync/internal/puzzle"

type LockOutcome int

const (
	LockFree        LockOutcome = iota // nobody holds the piece
	LockHeldBySelf                     // our request won, or an echo of it
	LockHeldByOther                    // someone else holds it and we are not dragging it
	LockLost                           // someone else won while we were optimistically dragging
)

func (o LockOutcome) String() string {
	switch o {
	case LockFree:
		return "free"
	case LockHeldBySelf:
		return "held-by-self"
	case LockHeldByOther:
		return "held-by-other"
	case LockLost:
		return "lost"
	}
	return "unknown"
}

// ResolveLock derives "did I win the race" from the authoritative lockedBy value
// alone. There is no pending-request bookkeeping: the broadcast is the only truth.
func ResolveLock(self, lockedBy string, dragging bool) LockOutcome {
	switch {
	case lockedBy == "":
		return LockFree
	case lockedBy == self:
		return LockHeldBySelf
	case dragging:
		return LockLost
	default:
		return LockHeldByOther
	}
}

// CanAcquire reports whether self may start manipulating p according to the mirror.
// It only gates the local request; the coordinator still arbitrates.
func CanAcquire(s *Store, pieceID int) bool {
	if !s.Loaded() || s.Completed() {
		return false
	}
	p, ok := s.Piece(pieceID)
	if !ok || p.IsPlaced {
		return false
	}
	holder := p.LockHolder()
	return holder == "" || holder == s.Self()
}

// lockable is the monotonic guard for inbound PIECE_LOCK: placed pieces and finished
// sessions never take a lock again.
func lockable(s *puzzle.Session, p *puzzle.Piece) bool {
	return !s.Completed && !p.IsPlaced
}
