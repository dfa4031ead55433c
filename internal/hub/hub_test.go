package hub

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/metrics"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

func newSession(t *testing.T, id string) *puzzle.Session {
	t.Helper()
	s, err := puzzle.NewSession(id, puzzle.Image{URL: "/img", Width: 300, Height: 300}, 3,
		rand.New(rand.NewSource(1)), time.Unix(0, 0))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func newHub(t *testing.T) (*Hub, *storage.Memory, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemory(0)
	m := metrics.Nop()
	h := NewHub(context.Background(), lobby.Config{Store: store, Metrics: m, PersistInterval: time.Hour})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, store, m
}

func TestHub_Start_Running_SamePointer(t *testing.T) {
	ctx := context.Background()
	h, store, m := newHub(t)

	lb1, err := h.Start(ctx, newSession(t, "ZED123"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	lb2, err := h.Running(ctx, "ZED123")
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if lb1 == nil || lb2 == nil || lb1 != lb2 {
		t.Fatalf("expected same lobby pointer")
	}
	if _, err := store.Load(ctx, "ZED123"); err != nil {
		t.Fatalf("session should be saved before the lobby runs: %v", err)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active sessions = %v", got)
	}

	lb3, err := h.Lobby(ctx, "ZED123")
	if err != nil || lb3 != lb1 {
		t.Fatalf("Lobby should return the running lobby, got %p (%v)", lb3, err)
	}
}

func TestHub_LobbyLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	h, store, _ := newHub(t)

	s := newSession(t, "stored")
	s.Users["ada"] = puzzle.NewUser("ada", "Ada", 0)
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	if lb, _ := h.Running(ctx, "stored"); lb != nil {
		t.Fatalf("nothing should be running yet")
	}
	lb, err := h.Lobby(ctx, "stored")
	if err != nil || lb == nil {
		t.Fatalf("lobby: %v", err)
	}
	v, err := lb.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if _, ok := v.Session.Users["ada"]; !ok {
		t.Fatalf("loaded lobby lost its users")
	}
}

func TestHub_UnknownSession(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHub(t)

	if _, err := h.Lobby(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := h.Session(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	called := false
	err := h.Do(ctx, "missing", func(*lobby.Lobby) error { called = true; return nil })
	if !errors.Is(err, storage.ErrNotFound) || called {
		t.Fatalf("Do should fail before calling fn: %v", err)
	}
}

func TestHub_EmptyLobbyIsRemovedAndReloaded(t *testing.T) {
	ctx := context.Background()
	h, _, m := newHub(t)

	lb, err := h.Start(ctx, newSession(t, "s1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := lb.AddUser(ctx, "ada", "Ada"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	out := make(chan protocol.Envelope, 8)
	if err := lb.Connect(ctx, "c1", "ada", out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := lb.Send(ctx, lobby.Disconnect{ConnID: "c1"}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatalf("empty lobby was not stopped")
	}
	if running, _ := h.Running(ctx, "s1"); running != nil {
		t.Fatalf("empty lobby still registered")
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Fatalf("active sessions = %v", got)
	}

	// the session survives in the store; ada left when the last connection closed
	s, err := h.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(s.Users) != 0 {
		t.Fatalf("expected no users, got %d", len(s.Users))
	}

	var fresh *lobby.Lobby
	err = h.Do(ctx, "s1", func(l *lobby.Lobby) error {
		fresh = l
		_, err := l.AddUser(ctx, "bo", "Bo")
		return err
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if fresh == nil || fresh == lb {
		t.Fatalf("expected a fresh lobby after reload")
	}
}

func TestHub_DoRetriesClosedLobby(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHub(t)
	if _, err := h.Start(ctx, newSession(t, "s1")); err != nil {
		t.Fatalf("start: %v", err)
	}

	calls := 0
	err := h.Do(ctx, "s1", func(*lobby.Lobby) error {
		calls++
		if calls == 1 {
			return lobby.ErrClosed
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("want success on second attempt, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = h.Do(ctx, "s1", func(*lobby.Lobby) error { calls++; return lobby.ErrClosed })
	if !errors.Is(err, lobby.ErrClosed) || calls != lookupAttempts {
		t.Fatalf("want ErrClosed after %d attempts, got calls=%d err=%v", lookupAttempts, calls, err)
	}
}

func TestHub_ShutdownFlushesLobbies(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(0)
	h := NewHub(ctx, lobby.Config{Store: store, PersistInterval: time.Hour})

	lb, err := h.Start(ctx, newSession(t, "s1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := lb.AddUser(ctx, "ada", "Ada"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	out := make(chan protocol.Envelope, 8)
	if err := lb.Connect(ctx, "c1", "ada", out); err != nil {
		t.Fatalf("connect: %v", err)
	}
	env, _ := protocol.New(protocol.KindPieceMove, protocol.PieceMove{PieceID: 5, X: 123, Y: 45})
	if err := lb.Send(ctx, lobby.FromClient{ConnID: "c1", Env: env}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := lb.State(ctx); err != nil { // move has been applied
		t.Fatalf("state: %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-lb.Done():
	default:
		t.Fatalf("lobby still running after hub shutdown")
	}
	s, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Pieces[5].CurrentX != 123 {
		t.Fatalf("pending move was not flushed, x=%v", s.Pieces[5].CurrentX)
	}
	if _, err := h.Running(ctx, "s1"); !errors.Is(err, lobby.ErrClosed) {
		t.Fatalf("hub should refuse work after shutdown, got %v", err)
	}
	// second shutdown is a no-op
	if err := h.Shutdown(sctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
