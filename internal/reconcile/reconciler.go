// Package reconcile keeps a participant's session mirror consistent with the
// coordinator's broadcasts while the participant drags pieces optimistically.
package reconcile

import (
	"math"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

// DefaultJitterThreshold is the per-axis distance above which a remote move is
// flagged as a snap rather than continuous motion.
const DefaultJitterThreshold = 5.0

// Move is a render hint for a piece whose displayed position changed.
type Move struct {
	PieceID int
	X, Y    float64
	Snap    bool
}

// Rotation is a render hint carrying the new unbounded displayed angle.
type Rotation struct {
	PieceID   int
	Displayed float64
}

// Update describes what one envelope did to the mirror.
type Update struct {
	Kind      protocol.Kind
	Ignored   bool // stale or unknown reference; the mirror was not touched
	Moved     []Move
	Rotated   []Rotation
	Cancelled []int // local drags dropped because the lock went elsewhere
	Released  []int // locks freed by a departing user
	Completed bool  // set exactly once, when the mirror first becomes complete
}

type drag struct {
	x, y      float64
	baseX     float64 // last position the coordinator broadcast for the piece
	baseY     float64
	confirmed bool // coordinator has broadcast lockedBy == self
}

// Reconciler is the single writer of a Store.
type Reconciler struct {
	store      *Store
	jitter     float64
	drags      map[int]*drag
	rotations  map[int]float64
	completion *puzzle.CompletionDetector
	violations int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithJitterThreshold sets the snap threshold; negative values are ignored.
func WithJitterThreshold(px float64) Option {
	return func(r *Reconciler) {
		if px >= 0 {
			r.jitter = px
		}
	}
}

// New returns a Reconciler that owns store.
func New(store *Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:      store,
		jitter:     DefaultJitterThreshold,
		drags:      map[int]*drag{},
		rotations:  map[int]float64{},
		completion: &puzzle.CompletionDetector{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Store() *Store { return r.store }

// Violations counts envelopes that referenced unknown pieces/users or arrived before
// the first snapshot.
func (r *Reconciler) Violations() int { return r.violations }

// Apply folds one authoritative envelope into the mirror.
func (r *Reconciler) Apply(env protocol.Envelope) Update {
	u := Update{Kind: env.Type}
	if env.Type != protocol.KindSessionState && !r.store.Loaded() {
		return r.ignore(u)
	}

	switch env.Type {
	case protocol.KindSessionState:
		p, err := protocol.Decode[protocol.SessionState](env)
		if err != nil || p.Session == nil {
			return r.ignore(u)
		}
		r.replace(p.Session, p.UserID, &u)

	case protocol.KindUserJoin:
		p, err := protocol.Decode[protocol.UserJoin](env)
		if err != nil || p.User == nil || p.User.ID == "" {
			return r.ignore(u)
		}
		user := *p.User
		r.session().Users[user.ID] = &user

	case protocol.KindUserLeave:
		p, err := protocol.Decode[protocol.UserLeave](env)
		if err != nil {
			return r.ignore(u)
		}
		_, known := r.session().Users[p.UserID]
		delete(r.session().Users, p.UserID)
		u.Released = r.session().ReleaseLocksHeldBy(p.UserID)
		if !known && len(u.Released) == 0 {
			return r.ignore(u)
		}

	case protocol.KindPieceMove:
		p, err := protocol.Decode[protocol.PieceMove](env)
		if err != nil {
			return r.ignore(u)
		}
		if !r.applyPosition(p.PieceID, p.X, p.Y, &u) {
			return r.ignore(u)
		}

	case protocol.KindPieceRelease:
		p, err := protocol.Decode[protocol.PieceRelease](env)
		if err != nil {
			return r.ignore(u)
		}
		if !r.applyPosition(p.PieceID, p.X, p.Y, &u) {
			return r.ignore(u)
		}

	case protocol.KindPiecePlaced:
		p, err := protocol.Decode[protocol.PiecePlaced](env)
		if err != nil {
			return r.ignore(u)
		}
		piece := r.store.piece(p.PieceID)
		if piece == nil {
			return r.ignore(u)
		}
		prevX, prevY := r.displayedPosition(piece)
		r.cancelDrag(piece.ID, &u)
		piece.CurrentX, piece.CurrentY = p.X, p.Y
		piece.Place(p.UserID)
		u.Moved = append(u.Moved, r.move(piece.ID, prevX, prevY, p.X, p.Y))
		r.checkCompletion(&u)

	case protocol.KindPieceLock:
		p, err := protocol.Decode[protocol.PieceLock](env)
		if err != nil {
			return r.ignore(u)
		}
		piece := r.store.piece(p.PieceID)
		if piece == nil || p.UserID == "" || !lockable(r.session(), piece) {
			return r.ignore(u)
		}
		piece.LockedBy = puzzle.StrPtr(p.UserID)
		d, dragging := r.drags[piece.ID]
		switch ResolveLock(r.store.self, p.UserID, dragging) {
		case LockHeldBySelf:
			if dragging {
				d.confirmed = true
			}
		case LockLost:
			if dragging {
				// anything we sent before losing the race was rejected
				prevX, prevY := d.x, d.y
				piece.CurrentX, piece.CurrentY = d.baseX, d.baseY
				u.Moved = append(u.Moved, r.move(piece.ID, prevX, prevY, d.baseX, d.baseY))
			}
			r.cancelDrag(piece.ID, &u)
		}

	case protocol.KindPieceUnlock:
		p, err := protocol.Decode[protocol.PieceUnlock](env)
		if err != nil {
			return r.ignore(u)
		}
		piece := r.store.piece(p.PieceID)
		if piece == nil {
			return r.ignore(u)
		}
		piece.LockedBy = nil
		if d, ok := r.drags[piece.ID]; ok && d.confirmed {
			r.cancelDrag(piece.ID, &u)
		}

	case protocol.KindPieceRotate:
		p, err := protocol.Decode[protocol.PieceRotate](env)
		if err != nil {
			return r.ignore(u)
		}
		piece := r.store.piece(p.PieceID)
		if piece == nil {
			return r.ignore(u)
		}
		piece.Rotation = puzzle.NormalizeDegrees(p.Rotation)
		next, _ := NearestRotation(r.displayedRotation(piece), p.Rotation)
		r.rotations[piece.ID] = next
		u.Rotated = append(u.Rotated, Rotation{PieceID: piece.ID, Displayed: next})
		// placement is monotonic: isPlaced=false never unplaces a mirrored piece
		if p.IsPlaced != nil && *p.IsPlaced && !piece.IsPlaced {
			by := p.UserID
			if p.PlacedBy != nil {
				by = *p.PlacedBy
			}
			r.cancelDrag(piece.ID, &u)
			piece.Place(by)
			r.checkCompletion(&u)
		}

	case protocol.KindCursorMove:
		p, err := protocol.Decode[protocol.CursorMove](env)
		if err != nil {
			return r.ignore(u)
		}
		user, ok := r.session().Users[p.UserID]
		if !ok {
			return r.ignore(u)
		}
		user.CursorX, user.CursorY = p.X, p.Y

	case protocol.KindPuzzleComplete:
		r.session().Completed = true
		r.cancelAllDrags(&u)
		if r.completion.Observe(r.session()) {
			u.Completed = true
		}

	case protocol.KindError:
		// addressed to us only; nothing in the mirror changes

	default:
		return r.ignore(u)
	}
	return u
}

// BeginDrag starts a local optimistic drag. The caller sends PIECE_LOCK; the lock is
// only considered ours once the coordinator's broadcast says so.
func (r *Reconciler) BeginDrag(pieceID int) bool {
	if _, ok := r.drags[pieceID]; ok {
		return false
	}
	if !CanAcquire(r.store, pieceID) {
		return false
	}
	p := r.store.piece(pieceID)
	r.drags[pieceID] = &drag{
		x: p.CurrentX, y: p.CurrentY,
		baseX: p.CurrentX, baseY: p.CurrentY,
		confirmed: p.LockHolder() == r.store.self,
	}
	return true
}

// DragTo updates the locally displayed position of an active drag.
func (r *Reconciler) DragTo(pieceID int, x, y float64) bool {
	d, ok := r.drags[pieceID]
	if !ok {
		return false
	}
	d.x, d.y = x, y
	return true
}

// RecordOutbound writes a position we just sent into the mirror so that its echo
// is a no-op. If the lock race is lost the mirror goes back to the last broadcast
// position.
func (r *Reconciler) RecordOutbound(pieceID int, x, y float64) {
	if _, ok := r.drags[pieceID]; !ok {
		return
	}
	if p := r.store.piece(pieceID); p != nil && !p.IsPlaced {
		p.CurrentX, p.CurrentY = x, y
	}
}

// EndDrag finishes an active drag and returns the last local position.
func (r *Reconciler) EndDrag(pieceID int) (x, y float64, ok bool) {
	d, ok := r.drags[pieceID]
	if !ok {
		return 0, 0, false
	}
	delete(r.drags, pieceID)
	return d.x, d.y, true
}

// Dragging reports whether a local drag is active on pieceID.
func (r *Reconciler) Dragging(pieceID int) bool {
	_, ok := r.drags[pieceID]
	return ok
}

// LockConfirmed reports whether the coordinator has granted the active drag's lock.
func (r *Reconciler) LockConfirmed(pieceID int) bool {
	d, ok := r.drags[pieceID]
	return ok && d.confirmed
}

// Displayed is what rendering should draw for a piece: the local drag position while
// dragging, the mirror otherwise, plus the unbounded rotation accumulator.
func (r *Reconciler) Displayed(pieceID int) (x, y, rotation float64, ok bool) {
	p := r.store.piece(pieceID)
	if p == nil {
		return 0, 0, 0, false
	}
	x, y = r.displayedPosition(p)
	return x, y, r.displayedRotation(p), true
}

func (r *Reconciler) session() *puzzle.Session { return r.store.session }

func (r *Reconciler) ignore(u Update) Update {
	r.violations++
	u.Ignored = true
	return u
}

func (r *Reconciler) replace(next *puzzle.Session, self string, u *Update) {
	prev := r.store.session
	wasCompleted := prev != nil && prev.Completed
	if self != "" {
		r.store.self = self
	}
	if next.Users == nil {
		next.Users = map[string]*puzzle.User{}
	}
	if wasCompleted {
		next.Completed = true
	}

	for i := range next.Pieces {
		np := &next.Pieces[i]
		if np.IsPlaced {
			np.LockedBy = nil
		}
		if prev != nil {
			if op := prev.Piece(np.ID); op != nil {
				prevX, prevY := r.displayedPosition(op)
				if prevX != np.CurrentX || prevY != np.CurrentY {
					u.Moved = append(u.Moved, r.move(np.ID, prevX, prevY, np.CurrentX, np.CurrentY))
				}
				// a placed piece keeps its placement across snapshots
				if op.IsPlaced && !np.IsPlaced {
					np.Place(op.PlacedByID())
				}
			}
		}
		if acc, ok := r.rotations[np.ID]; ok {
			rot, _ := NearestRotation(acc, np.Rotation)
			if rot != acc {
				u.Rotated = append(u.Rotated, Rotation{PieceID: np.ID, Displayed: rot})
			}
			r.rotations[np.ID] = rot
		} else {
			r.rotations[np.ID] = np.Rotation
		}
	}
	r.store.session = next

	for id, d := range r.drags {
		p := next.Piece(id)
		if p == nil || !lockable(next, p) {
			r.cancelDrag(id, u)
			continue
		}
		d.baseX, d.baseY = p.CurrentX, p.CurrentY
		switch ResolveLock(r.store.self, p.LockHolder(), true) {
		case LockLost:
			r.cancelDrag(id, u)
		case LockHeldBySelf:
			d.confirmed = true
		case LockFree:
			if d.confirmed {
				r.cancelDrag(id, u)
			}
		}
	}
	r.checkCompletion(u)
}

func (r *Reconciler) applyPosition(pieceID int, x, y float64, u *Update) bool {
	p := r.store.piece(pieceID)
	if p == nil {
		return false
	}
	if p.IsPlaced {
		// placed pieces are pinned; a late move is stale
		return false
	}
	prevX, prevY := p.CurrentX, p.CurrentY
	p.CurrentX, p.CurrentY = x, y
	if d, ok := r.drags[pieceID]; ok {
		// our own drag wins on screen
		d.baseX, d.baseY = x, y
		return true
	}
	u.Moved = append(u.Moved, r.move(pieceID, prevX, prevY, x, y))
	return true
}

func (r *Reconciler) move(id int, fromX, fromY, toX, toY float64) Move {
	snap := math.Abs(toX-fromX) > r.jitter || math.Abs(toY-fromY) > r.jitter
	return Move{PieceID: id, X: toX, Y: toY, Snap: snap}
}

func (r *Reconciler) displayedPosition(p *puzzle.Piece) (float64, float64) {
	if d, ok := r.drags[p.ID]; ok {
		return d.x, d.y
	}
	return p.CurrentX, p.CurrentY
}

func (r *Reconciler) displayedRotation(p *puzzle.Piece) float64 {
	if acc, ok := r.rotations[p.ID]; ok {
		return acc
	}
	return p.Rotation
}

func (r *Reconciler) cancelDrag(id int, u *Update) {
	if _, ok := r.drags[id]; !ok {
		return
	}
	delete(r.drags, id)
	u.Cancelled = append(u.Cancelled, id)
}

func (r *Reconciler) cancelAllDrags(u *Update) {
	for id := range r.drags {
		r.cancelDrag(id, u)
	}
}

func (r *Reconciler) checkCompletion(u *Update) {
	s := r.session()
	if r.completion.Observe(s) {
		s.Completed = true
		u.Completed = true
	}
	if s.Completed {
		r.cancelAllDrags(u)
	}
}
