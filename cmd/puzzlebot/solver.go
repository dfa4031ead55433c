package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/reconcile"
)

const (
	lockWait  = 2 * time.Second
	idlePause = 250 * time.Millisecond
)

// intents is the part of *participant.Participant the solver drives.
type intents interface {
	BeginDrag(ctx context.Context, pieceID int) (bool, error)
	DragTo(ctx context.Context, pieceID int, x, y float64) (bool, error)
	EndDrag(ctx context.Context, pieceID int) (bool, error)
	Rotate(ctx context.Context, pieceID, direction int) error
	MoveCursor(ctx context.Context, x, y float64) error
	Snapshot(ctx context.Context) (*puzzle.Session, error)
	Self(ctx context.Context) (string, error)
	WaitFor(ctx context.Context, cond func(*reconcile.Store) bool) error
}

type solver struct {
	p     intents
	log   *zap.Logger
	steps int
	pause time.Duration
}

// solve keeps picking free pieces until the mirror reports completion. It returns the
// number of pieces this participant placed.
func (s *solver) solve(ctx context.Context) (int, error) {
	if err := s.p.WaitFor(ctx, func(st *reconcile.Store) bool { return st.Loaded() }); err != nil {
		return 0, err
	}
	self, err := s.p.Self(ctx)
	if err != nil {
		return 0, err
	}

	for {
		snap, err := s.p.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		if snap.Completed {
			return snap.Scores()[self], nil
		}

		progressed := false
		for _, pc := range snap.Pieces {
			if pc.IsPlaced || (pc.LockHolder() != "" && pc.LockHolder() != self) {
				continue
			}
			ok, err := s.place(ctx, self, pc)
			if err != nil {
				return 0, err
			}
			progressed = progressed || ok
		}
		if !progressed {
			// everything left is held by someone else
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(idlePause):
			}
		}
	}
}

// place locks one piece, turns it upright and drops it on its cell.
func (s *solver) place(ctx context.Context, self string, pc puzzle.Piece) (bool, error) {
	ok, err := s.p.BeginDrag(ctx, pc.ID)
	if err != nil || !ok {
		return false, err
	}

	held, err := s.awaitLock(ctx, self, pc.ID)
	if err != nil || !held {
		_, _ = s.p.EndDrag(ctx, pc.ID)
		return false, err
	}

	for turns := 0; turns < 4; turns++ {
		cur, ok, err := s.piece(ctx, pc.ID)
		if err != nil {
			return false, err
		}
		if !ok || cur.IsPlaced || cur.RotationCorrect() {
			break
		}
		before := cur.Rotation
		if err := s.p.Rotate(ctx, pc.ID, rotateDirection(cur)); err != nil {
			return false, err
		}
		if err := s.waitPiece(ctx, pc.ID, func(p puzzle.Piece) bool { return p.Rotation != before || p.IsPlaced }); err != nil {
			return false, err
		}
	}

	fromX, fromY := pc.CurrentX, pc.CurrentY
	for i := 1; i <= s.steps; i++ {
		f := float64(i) / float64(s.steps)
		x := fromX + (pc.CorrectX-fromX)*f
		y := fromY + (pc.CorrectY-fromY)*f
		if ok, err := s.p.DragTo(ctx, pc.ID, x, y); err != nil || !ok {
			return false, err
		}
		if err := s.p.MoveCursor(ctx, x+float64(pc.Width)/2, y+float64(pc.Height)/2); err != nil {
			return false, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.pause):
		}
	}
	if _, err := s.p.EndDrag(ctx, pc.ID); err != nil {
		return false, err
	}

	err = s.waitPiece(ctx, pc.ID, func(p puzzle.Piece) bool { return p.IsPlaced || p.LockHolder() != self })
	if err != nil {
		return false, err
	}
	cur, _, err := s.piece(ctx, pc.ID)
	if err != nil {
		return false, err
	}
	s.log.Debug("piece dropped", zap.Int("piece", pc.ID), zap.Bool("placed", cur.IsPlaced))
	return cur.IsPlaced, nil
}

// awaitLock waits for the coordinator's verdict on a lock request.
func (s *solver) awaitLock(ctx context.Context, self string, pieceID int) (bool, error) {
	wctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	err := s.waitPiece(wctx, pieceID, func(p puzzle.Piece) bool { return p.LockHolder() != "" || p.IsPlaced })
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cur, _, err := s.piece(ctx, pieceID)
	if err != nil {
		return false, err
	}
	return cur.LockHolder() == self, nil
}

func (s *solver) piece(ctx context.Context, id int) (puzzle.Piece, bool, error) {
	var (
		pc puzzle.Piece
		ok bool
	)
	err := s.p.WaitFor(ctx, func(st *reconcile.Store) bool {
		pc, ok = st.Piece(id)
		return true
	})
	return pc, ok, err
}

func (s *solver) waitPiece(ctx context.Context, id int, cond func(puzzle.Piece) bool) error {
	return s.p.WaitFor(ctx, func(st *reconcile.Store) bool {
		pc, ok := st.Piece(id)
		return !ok || st.Completed() || cond(pc)
	})
}

// rotateDirection picks the shorter way round to the correct rotation.
func rotateDirection(p puzzle.Piece) int {
	diff := puzzle.NormalizeDegrees(p.CorrectRotation - p.Rotation)
	if diff > 180 {
		return -1
	}
	return 1
}
