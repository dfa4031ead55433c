package reconcile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

type frame struct {
	kind    protocol.Kind
	payload any
}

func mustEnv(t *testing.T, fr frame) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(fr.kind, fr.payload)
	require.NoError(t, err)
	return env
}

func lockEnv(id int, user string) frame {
	return frame{protocol.KindPieceLock, protocol.PieceLock{PieceID: id, UserID: user}}
}

func moveEnv(id int, x, y float64) frame {
	return frame{protocol.KindPieceMove, protocol.PieceMove{PieceID: id, X: x, Y: y}}
}

func placedEnv(id int, x, y float64, user string) frame {
	return frame{protocol.KindPiecePlaced, protocol.PiecePlaced{PieceID: id, X: x, Y: y, UserID: user}}
}

func testSession(t *testing.T) *puzzle.Session {
	t.Helper()
	s, err := puzzle.NewSession("s1", puzzle.Image{URL: "/i", Width: 300, Height: 300}, 3,
		rand.New(rand.NewSource(9)), time.Unix(0, 0))
	require.NoError(t, err)
	for i := range s.Pieces {
		s.Pieces[i].Rotation = 0
	}
	s.Users["me"] = puzzle.NewUser("me", "Me", 0)
	s.Users["other"] = puzzle.NewUser("other", "Other", 1)
	return s
}

func stateEnv(s *puzzle.Session, self string) frame {
	return frame{protocol.KindSessionState, protocol.SessionState{Session: s, UserID: self}}
}

// newMirror returns a reconciler that has applied the bootstrap snapshot.
func newMirror(t *testing.T) *Reconciler {
	t.Helper()
	r := New(NewStore())
	u := r.Apply(mustEnv(t, stateEnv(testSession(t), "me")))
	require.False(t, u.Ignored)
	require.Equal(t, "me", r.Store().Self())
	return r
}

func TestApply_IgnoresEverythingBeforeSnapshot(t *testing.T) {
	r := New(NewStore())
	u := r.Apply(mustEnv(t, moveEnv(0, 1, 1)))
	assert.True(t, u.Ignored)
	assert.Equal(t, 1, r.Violations())
}

func TestApply_RemoteMoveSnapHint(t *testing.T) {
	r := newMirror(t)
	start, _ := r.Store().Piece(4)

	u := r.Apply(mustEnv(t, moveEnv(4, start.CurrentX+3, start.CurrentY-4)))
	require.Len(t, u.Moved, 1)
	assert.False(t, u.Moved[0].Snap, "sub-threshold change is continuous motion")

	u = r.Apply(mustEnv(t, moveEnv(4, start.CurrentX+40, start.CurrentY)))
	require.Len(t, u.Moved, 1)
	assert.True(t, u.Moved[0].Snap)

	p, _ := r.Store().Piece(4)
	assert.Equal(t, start.CurrentX+40, p.CurrentX)
}

func TestApply_JitterThresholdOption(t *testing.T) {
	r := New(NewStore(), WithJitterThreshold(50))
	r.Apply(mustEnv(t, stateEnv(testSession(t), "me")))
	start, _ := r.Store().Piece(0)

	u := r.Apply(mustEnv(t, moveEnv(0, start.CurrentX+40, start.CurrentY)))
	require.Len(t, u.Moved, 1)
	assert.False(t, u.Moved[0].Snap)
}

func TestDrag_LocalPositionNeverRegresses(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(2))
	r.Apply(mustEnv(t, lockEnv(2, "me")))
	require.True(t, r.LockConfirmed(2))

	r.DragTo(2, 480, 480)
	r.RecordOutbound(2, 480, 480)
	r.DragTo(2, 500, 500)

	// echo of the older outbound value arrives while we are still dragging
	u := r.Apply(mustEnv(t, moveEnv(2, 480, 480)))
	assert.False(t, u.Ignored)
	assert.Empty(t, u.Moved)

	x, y, _, ok := r.Displayed(2)
	require.True(t, ok)
	assert.Equal(t, 500.0, x)
	assert.Equal(t, 500.0, y)
}

func TestDrag_EchoAfterReleaseIsNoop(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(1))
	r.DragTo(1, 610, 205)
	r.RecordOutbound(1, 610, 205)

	x, y, ok := r.EndDrag(1)
	require.True(t, ok)
	assert.Equal(t, 610.0, x)
	assert.Equal(t, 205.0, y)

	u := r.Apply(mustEnv(t, moveEnv(1, 610, 205)))
	require.Len(t, u.Moved, 1)
	assert.False(t, u.Moved[0].Snap)

	// authoritative release may snap the piece elsewhere; it wins once we let go
	u = r.Apply(mustEnv(t, frame{protocol.KindPieceRelease, protocol.PieceRelease{PieceID: 1, X: 250, Y: 50}}))
	require.Len(t, u.Moved, 1)
	assert.True(t, u.Moved[0].Snap)
	p, _ := r.Store().Piece(1)
	assert.Equal(t, 250.0, p.CurrentX)
}

func TestLock_LostRaceCancelsDrag(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(2))
	r.DragTo(2, 700, 700)

	u := r.Apply(mustEnv(t, lockEnv(2, "other")))
	assert.Equal(t, []int{2}, u.Cancelled)
	assert.False(t, r.Dragging(2))

	p, _ := r.Store().Piece(2)
	assert.Equal(t, "other", p.LockHolder())
	x, _, _, _ := r.Displayed(2)
	assert.Equal(t, p.CurrentX, x, "display falls back to the mirror")

	assert.False(t, r.BeginDrag(2), "cannot start dragging a piece someone else holds")
}

func TestLock_LostRaceRestoresSentPosition(t *testing.T) {
	r := newMirror(t)
	before, _ := r.Store().Piece(2)

	require.True(t, r.BeginDrag(2))
	r.DragTo(2, 700, 700)
	r.RecordOutbound(2, 700, 700)

	u := r.Apply(mustEnv(t, lockEnv(2, "other")))
	assert.Equal(t, []int{2}, u.Cancelled)
	require.Len(t, u.Moved, 1)
	assert.Equal(t, before.CurrentX, u.Moved[0].X)

	// the winner lets go without moving; nothing else rewrites the piece
	r.Apply(mustEnv(t, frame{protocol.KindPieceUnlock, protocol.PieceUnlock{PieceID: 2}}))

	p, _ := r.Store().Piece(2)
	assert.Equal(t, before.CurrentX, p.CurrentX)
	assert.Equal(t, before.CurrentY, p.CurrentY)
	x, y, _, _ := r.Displayed(2)
	assert.Equal(t, before.CurrentX, x)
	assert.Equal(t, before.CurrentY, y)
}

func TestDrag_AuthoritativeMoveLandsInMirrorWhileDragging(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(6))
	r.DragTo(6, 500, 500)

	u := r.Apply(mustEnv(t, moveEnv(6, 321, 123)))
	assert.False(t, u.Ignored)
	assert.Empty(t, u.Moved, "local drag keeps the screen")

	p, _ := r.Store().Piece(6)
	assert.Equal(t, 321.0, p.CurrentX)
	assert.Equal(t, 123.0, p.CurrentY)
	x, _, _, _ := r.Displayed(6)
	assert.Equal(t, 500.0, x)

	r.RecordOutbound(6, 500, 500)
	r.Apply(mustEnv(t, lockEnv(6, "other")))
	p, _ = r.Store().Piece(6)
	assert.Equal(t, 321.0, p.CurrentX, "lost race falls back to the last broadcast")
}

func TestLock_UnlockWhileConfirmedCancelsDrag(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(5))
	r.Apply(mustEnv(t, lockEnv(5, "me")))

	u := r.Apply(mustEnv(t, frame{protocol.KindPieceUnlock, protocol.PieceUnlock{PieceID: 5}}))
	assert.Equal(t, []int{5}, u.Cancelled)
}

func TestUserLeave_ReleasesLocks(t *testing.T) {
	r := newMirror(t)
	r.Apply(mustEnv(t, lockEnv(3, "other")))
	r.Apply(mustEnv(t, lockEnv(7, "other")))

	u := r.Apply(mustEnv(t, frame{protocol.KindUserLeave, protocol.UserLeave{UserID: "other"}}))
	assert.ElementsMatch(t, []int{3, 7}, u.Released)

	for _, id := range []int{3, 7} {
		p, _ := r.Store().Piece(id)
		assert.Nil(t, p.LockedBy)
		assert.False(t, p.IsPlaced)
	}
	_, ok := r.Store().User("other")
	assert.False(t, ok)

	u = r.Apply(mustEnv(t, frame{protocol.KindUserLeave, protocol.UserLeave{UserID: "ghost"}}))
	assert.True(t, u.Ignored)
}

func TestPlaced_ClearsLockAndBlocksRelock(t *testing.T) {
	r := newMirror(t)
	r.Apply(mustEnv(t, lockEnv(4, "other")))
	r.Apply(mustEnv(t, placedEnv(4, 150, 150, "other")))

	p, _ := r.Store().Piece(4)
	assert.True(t, p.IsPlaced)
	assert.Nil(t, p.LockedBy)
	assert.Equal(t, "other", p.PlacedByID())

	u := r.Apply(mustEnv(t, lockEnv(4, "me")))
	assert.True(t, u.Ignored)
	p, _ = r.Store().Piece(4)
	assert.Nil(t, p.LockedBy)

	// placedBy is set once
	r.Apply(mustEnv(t, placedEnv(4, 150, 150, "me")))
	p, _ = r.Store().Piece(4)
	assert.Equal(t, "other", p.PlacedByID())

	// moves for a pinned piece are stale
	u = r.Apply(mustEnv(t, moveEnv(4, 900, 900)))
	assert.True(t, u.Ignored)
}

func TestCompletion_FiresOnceOnNinthPlacement(t *testing.T) {
	r := newMirror(t)
	order := rand.New(rand.NewSource(11)).Perm(9)

	fired := 0
	for i, id := range order {
		p, _ := r.Store().Piece(id)
		u := r.Apply(mustEnv(t, placedEnv(id, p.CorrectX, p.CorrectY, "me")))
		if u.Completed {
			fired++
			assert.Equal(t, 8, i)
		}
	}
	assert.Equal(t, 1, fired)
	assert.True(t, r.Store().Completed())

	u := r.Apply(mustEnv(t, frame{protocol.KindPuzzleComplete, protocol.PuzzleComplete{CompletedAt: 1}}))
	assert.False(t, u.Completed, "detector is idempotent")
	assert.False(t, CanAcquire(r.Store(), 0))
}

func TestCompleted_IsTerminal(t *testing.T) {
	r := newMirror(t)
	require.True(t, r.BeginDrag(0))

	u := r.Apply(mustEnv(t, frame{protocol.KindPuzzleComplete, nil}))
	assert.True(t, u.Completed)
	assert.Equal(t, []int{0}, u.Cancelled)

	// a stale snapshot claiming the puzzle is unfinished must not clear the flag
	stale := testSession(t)
	stale.Completed = false
	u = r.Apply(mustEnv(t, stateEnv(stale, "me")))
	assert.False(t, u.Completed)
	assert.True(t, r.Store().Completed())

	u = r.Apply(mustEnv(t, lockEnv(1, "other")))
	assert.True(t, u.Ignored)
}

func TestRotate_TakesShortWay(t *testing.T) {
	s := testSession(t)
	s.Pieces[0].Rotation = 350
	r := New(NewStore())
	r.Apply(mustEnv(t, stateEnv(s, "me")))

	u := r.Apply(mustEnv(t, frame{protocol.KindPieceRotate, protocol.PieceRotate{PieceID: 0, Rotation: 10}}))
	require.Len(t, u.Rotated, 1)
	assert.Equal(t, 370.0, u.Rotated[0].Displayed)

	_, _, rot, _ := r.Displayed(0)
	assert.Equal(t, 370.0, rot)
	p, _ := r.Store().Piece(0)
	assert.Equal(t, 10.0, p.Rotation)
}

func TestRotate_MayPlace(t *testing.T) {
	r := newMirror(t)
	placed := true
	u := r.Apply(mustEnv(t, frame{protocol.KindPieceRotate, protocol.PieceRotate{
		PieceID: 6, Rotation: 0, IsPlaced: &placed, PlacedBy: puzzle.StrPtr("other"),
	}}))
	assert.False(t, u.Ignored)
	p, _ := r.Store().Piece(6)
	assert.True(t, p.IsPlaced)
	assert.Equal(t, "other", p.PlacedByID())

	notPlaced := false
	r.Apply(mustEnv(t, frame{protocol.KindPieceRotate, protocol.PieceRotate{PieceID: 6, Rotation: 90, IsPlaced: &notPlaced}}))
	p, _ = r.Store().Piece(6)
	assert.True(t, p.IsPlaced, "placement never reverts on a mirror")
}

func TestCursorAndJoin(t *testing.T) {
	r := newMirror(t)

	u := r.Apply(mustEnv(t, frame{protocol.KindCursorMove, protocol.CursorMove{UserID: "nobody", X: 1, Y: 1}}))
	assert.True(t, u.Ignored)

	r.Apply(mustEnv(t, frame{protocol.KindUserJoin, protocol.UserJoin{User: &puzzle.User{ID: "new", Name: "New", Color: "#000"}}}))
	r.Apply(mustEnv(t, frame{protocol.KindCursorMove, protocol.CursorMove{UserID: "new", X: 12, Y: 34}}))

	user, ok := r.Store().User("new")
	require.True(t, ok)
	assert.Equal(t, 12.0, user.CursorX)
	assert.Equal(t, 34.0, user.CursorY)
	assert.Len(t, r.Store().Users(), 3)
}

func TestApply_UnknownPieceIsIgnored(t *testing.T) {
	r := newMirror(t)
	before := r.Violations()

	for _, fr := range []frame{moveEnv(99, 1, 1), lockEnv(-1, "other"), placedEnv(42, 0, 0, "me")} {
		u := r.Apply(mustEnv(t, fr))
		assert.True(t, u.Ignored, "%s", fr.kind)
	}
	assert.Equal(t, before+3, r.Violations())
}

// Random envelope streams must never break the mirror invariants.
func TestApply_InvariantsUnderRandomStreams(t *testing.T) {
	users := []string{"me", "other", "third"}
	for seed := int64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		r := newMirror(t)
		r.Apply(mustEnv(t, frame{protocol.KindUserJoin, protocol.UserJoin{User: &puzzle.User{ID: "third"}}}))
		completed := false

		for step := 0; step < 300; step++ {
			id := rng.Intn(11) - 1
			user := users[rng.Intn(len(users))]
			var fr frame
			switch rng.Intn(9) {
			case 0:
				fr = lockEnv(id, user)
			case 1:
				fr = frame{protocol.KindPieceUnlock, protocol.PieceUnlock{PieceID: id}}
			case 2:
				fr = moveEnv(id, rng.Float64()*1000, rng.Float64()*800)
			case 3:
				if rng.Intn(4) == 0 {
					fr = placedEnv(id, 0, 0, user)
				} else {
					fr = moveEnv(id, 1, 1)
				}
			case 4:
				placed := rng.Intn(2) == 0
				fr = frame{protocol.KindPieceRotate, protocol.PieceRotate{PieceID: id, Rotation: float64(rng.Intn(4) * 90), IsPlaced: &placed}}
			case 5:
				fr = frame{protocol.KindUserLeave, protocol.UserLeave{UserID: user}}
			case 6:
				fr = frame{protocol.KindUserJoin, protocol.UserJoin{User: &puzzle.User{ID: user}}}
			case 7:
				if r.BeginDrag(id) {
					r.DragTo(id, rng.Float64()*1000, rng.Float64()*800)
				}
				continue
			case 8:
				if rng.Intn(10) == 0 {
					fr = frame{protocol.KindPuzzleComplete, nil}
				} else {
					fr = frame{protocol.KindCursorMove, protocol.CursorMove{UserID: user, X: 1, Y: 2}}
				}
			}
			r.Apply(mustEnv(t, fr))

			snap := r.Store().Snapshot()
			for _, p := range snap.Pieces {
				if p.IsPlaced {
					require.Nil(t, p.LockedBy, "seed %d step %d: placed piece %d is locked", seed, step, p.ID)
				}
			}
			if completed {
				require.True(t, snap.Completed, "seed %d step %d: completed reverted", seed, step)
			}
			completed = snap.Completed
		}
	}
}
