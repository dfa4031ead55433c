package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/reconcile"
	"github.com/DoyleJ11/puzzle-sync/internal/throttle"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

// ErrStopped is returned by intents issued after the event loop exited.
var ErrStopped = errors.New("participant stopped")

// ChannelError records a transport failure. It never clears the mirror.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return "channel error: " + e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }

type point struct{ x, y float64 }

type waiter struct {
	cond func(*reconcile.Store) bool
	done chan struct{}
}

type Option func(*Participant)

func WithLogger(log *zap.Logger) Option { return func(p *Participant) { p.log = log } }

// WithClock replaces the wall clock the throttlers run on. Timer callbacks still have
// to reach the loop; pass a clock built with throttle.Loop or a ManualClock driven
// from inside Do.
func WithClock(c throttle.Clock) Option { return func(p *Participant) { p.clock = c } }

func WithThrottleInterval(d time.Duration) Option {
	return func(p *Participant) { p.interval = d }
}

// OnUpdate is called on the event loop after every inbound envelope.
func OnUpdate(fn func(reconcile.Update)) Option { return func(p *Participant) { p.onUpdate = fn } }

func WithReconcilerOptions(opts ...reconcile.Option) Option {
	return func(p *Participant) { p.recOpts = append(p.recOpts, opts...) }
}

// Participant is the single-goroutine owner of the mirror and throttlers. Every
// public method posts work onto the loop started by Run.
type Participant struct {
	t        Transport
	log      *zap.Logger
	clock    throttle.Clock
	interval time.Duration
	onUpdate func(reconcile.Update)
	recOpts  []reconcile.Option

	rec     *reconcile.Reconciler
	moves   map[int]*throttle.Throttler[point]
	cursor  *throttle.Throttler[point]
	waiters []waiter

	work    chan func()
	stopped chan struct{}

	mu      sync.Mutex
	chanErr error
}

func New(t Transport, opts ...Option) *Participant {
	p := &Participant{
		t:        t,
		log:      zap.NewNop(),
		interval: throttle.DefaultInterval,
		moves:    map[int]*throttle.Throttler[point]{},
		work:     make(chan func(), 64),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = throttle.Loop(p.post)
	}
	p.rec = reconcile.New(reconcile.NewStore(), p.recOpts...)
	p.cursor = throttle.New(p.interval, p.clock, func(v point) {
		p.send(protocol.KindCursorMove, protocol.CursorMove{X: v.x, Y: v.y})
	})
	return p
}

// Run is the event loop. It returns when ctx ends or the push channel closes; a
// channel failure is recorded as a ChannelError and also returned.
func (p *Participant) Run(ctx context.Context) error {
	defer close(p.stopped)
	in := p.t.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil

		case f := <-p.work:
			f()

		case env, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := p.t.Err()
				if err == nil || errors.Is(err, ErrConnClosed) {
					err = ErrConnClosed
				}
				p.fail(err)
				return p.ChannelErr()
			}
			p.apply(env)
		}
	}
}

// ChannelErr returns the recorded *ChannelError, if any.
func (p *Participant) ChannelErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chanErr
}

// Do runs fn on the event loop and waits for it.
func (p *Participant) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case p.work <- func() { fn(); close(done) }:
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-p.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginDrag starts an optimistic drag and asks the coordinator for the lock. It
// reports false when the mirror already shows the piece as taken, placed or finished.
func (p *Participant) BeginDrag(ctx context.Context, pieceID int) (bool, error) {
	var ok bool
	err := p.Do(ctx, func() {
		if !p.rec.BeginDrag(pieceID) {
			return
		}
		ok = true
		p.moves[pieceID] = throttle.New(p.interval, p.clock, func(v point) {
			p.rec.RecordOutbound(pieceID, v.x, v.y)
			p.send(protocol.KindPieceMove, protocol.PieceMove{PieceID: pieceID, X: v.x, Y: v.y})
		})
		p.send(protocol.KindPieceLock, protocol.PieceLock{PieceID: pieceID})
	})
	return ok, err
}

// DragTo moves the local piece immediately and sends a throttled PIECE_MOVE.
func (p *Participant) DragTo(ctx context.Context, pieceID int, x, y float64) (bool, error) {
	var ok bool
	err := p.Do(ctx, func() {
		if !p.rec.DragTo(pieceID, x, y) {
			return
		}
		ok = true
		if t := p.moves[pieceID]; t != nil {
			t.Push(point{x, y})
		}
	})
	return ok, err
}

// EndDrag flushes any pending move, then sends PIECE_RELEASE and PIECE_UNLOCK.
func (p *Participant) EndDrag(ctx context.Context, pieceID int) (bool, error) {
	var ok bool
	err := p.Do(ctx, func() {
		if t := p.moves[pieceID]; t != nil {
			t.Flush()
			delete(p.moves, pieceID)
		}
		x, y, dragging := p.rec.EndDrag(pieceID)
		if !dragging {
			return
		}
		ok = true
		p.send(protocol.KindPieceRelease, protocol.PieceRelease{PieceID: pieceID, X: x, Y: y})
		p.send(protocol.KindPieceUnlock, protocol.PieceUnlock{PieceID: pieceID})
	})
	return ok, err
}

// Rotate asks for a quarter turn; direction is 1 (clockwise) or -1.
func (p *Participant) Rotate(ctx context.Context, pieceID, direction int) error {
	if direction != 1 && direction != -1 {
		return puzzle.ErrInvalidDirection
	}
	return p.Do(ctx, func() {
		piece, ok := p.rec.Store().Piece(pieceID)
		if !ok || piece.IsPlaced {
			return
		}
		p.send(protocol.KindPieceRotate, protocol.PieceRotate{PieceID: pieceID, Direction: direction})
	})
}

func (p *Participant) MoveCursor(ctx context.Context, x, y float64) error {
	return p.Do(ctx, func() { p.cursor.Push(point{x, y}) })
}

// Snapshot returns a deep copy of the mirror, nil before SESSION_STATE arrived.
// After the loop stopped it returns the last-known-good mirror.
func (p *Participant) Snapshot(ctx context.Context) (*puzzle.Session, error) {
	var s *puzzle.Session
	err := p.Do(ctx, func() { s = p.rec.Store().Snapshot() })
	if errors.Is(err, ErrStopped) {
		// the loop has exited, nothing else writes the store
		return p.rec.Store().Snapshot(), nil
	}
	return s, err
}

// Displayed reports what a renderer should draw for pieceID right now.
func (p *Participant) Displayed(ctx context.Context, pieceID int) (x, y, rotation float64, err error) {
	var ok bool
	err = p.Do(ctx, func() { x, y, rotation, ok = p.rec.Displayed(pieceID) })
	if err == nil && !ok {
		err = fmt.Errorf("%w: %d", puzzle.ErrUnknownPiece, pieceID)
	}
	return x, y, rotation, err
}

// Self is the user id the coordinator bound to this connection.
func (p *Participant) Self(ctx context.Context) (string, error) {
	var self string
	err := p.Do(ctx, func() { self = p.rec.Store().Self() })
	return self, err
}

// WaitFor blocks until cond holds on the mirror. cond runs on the event loop.
func (p *Participant) WaitFor(ctx context.Context, cond func(*reconcile.Store) bool) error {
	done := make(chan struct{})
	err := p.Do(ctx, func() {
		if cond(p.rec.Store()) {
			close(done)
			return
		}
		p.waiters = append(p.waiters, waiter{cond: cond, done: done})
	})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-p.stopped:
		if cerr := p.ChannelErr(); cerr != nil {
			return cerr
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Participant) apply(env protocol.Envelope) {
	u := p.rec.Apply(env)
	if u.Ignored {
		p.log.Debug("ignored envelope", zap.String("type", string(u.Kind)), zap.Int("violations", p.rec.Violations()))
	}
	if env.Type == protocol.KindError {
		if e, err := protocol.Decode[protocol.Error](env); err == nil {
			p.log.Warn("coordinator error", zap.String("code", e.Code), zap.String("message", e.Message))
		}
	}
	for _, id := range u.Cancelled {
		if t := p.moves[id]; t != nil {
			t.Cancel()
			delete(p.moves, id)
		}
	}
	if p.onUpdate != nil {
		p.onUpdate(u)
	}
	p.notify()
}

func (p *Participant) notify() {
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if w.cond(p.rec.Store()) {
			close(w.done)
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
}

func (p *Participant) send(kind protocol.Kind, payload any) {
	env, err := protocol.New(kind, payload)
	if err != nil {
		p.log.Error("encode intent", zap.String("type", string(kind)), zap.Error(err))
		return
	}
	if err := p.t.Send(env); err != nil {
		p.fail(err)
	}
}

func (p *Participant) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chanErr == nil {
		p.chanErr = &ChannelError{Err: err}
		p.log.Warn("push channel failed", zap.Error(err))
	}
}

// post hands a timer callback to the loop. Fires after the loop stopped are dropped.
func (p *Participant) post(f func()) {
	select {
	case p.work <- f:
	case <-p.stopped:
	}
}
