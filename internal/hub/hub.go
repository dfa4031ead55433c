package hub

import (
	"context"
	"errors"

	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/metrics"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
)

const lookupAttempts = 3

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	ID    string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the running lobby for ID, starting one over Session when none
// is running. A nil Session never starts anything.
type EnsureLobby struct {
	ID      string
	Session *puzzle.Session // only used if creation happens
	Reply   chan *lobby.Lobby
}

// RemoveLobby forgets Lobby if it is still the one registered under ID.
type RemoveLobby struct {
	ID    string
	Lobby *lobby.Lobby
}

type ShutdownHub struct {
	Reply chan struct{}
}

func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	cfg     lobby.Config
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub starts the registry. cfg is handed to every lobby; its OnEmpty is replaced
// so that idle lobbies unregister themselves.
func NewHub(parent context.Context, cfg lobby.Config) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory(0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	cfg.OnEmpty = func(lb *lobby.Lobby) {
		select {
		case h.inbox <- RemoveLobby{ID: lb.ID(), Lobby: lb}:
		case <-h.ctx.Done():
		}
	}
	h.cfg = cfg
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Store() storage.Store { return h.cfg.Store }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.lobbies[msg.ID] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.ID]; lb != nil {
					msg.Reply <- lb
					break
				}
				if msg.Session == nil {
					msg.Reply <- nil
					break
				}
				lb := lobby.NewLobby(h.ctx, msg.Session, h.cfg)
				h.lobbies[msg.ID] = lb
				h.cfg.Metrics.ActiveSessions.Set(float64(len(h.lobbies)))
				msg.Reply <- lb

			case RemoveLobby:
				if h.lobbies[msg.ID] == msg.Lobby {
					delete(h.lobbies, msg.ID)
					h.cfg.Metrics.ActiveSessions.Set(float64(len(h.lobbies)))
				}
				msg.Lobby.Stop()

			case ShutdownHub:
				for _, lb := range h.lobbies {
					lb.Stop()
				}
				h.cancel()
				for _, lb := range h.lobbies {
					<-lb.Done() // final flush
				}
				clear(h.lobbies)
				h.cfg.Metrics.ActiveSessions.Set(0)
				close(msg.Reply)
				return
			}
		}
	}
}

func (h *Hub) request(ctx context.Context, msg HubMsg, reply chan *lobby.Lobby) (*lobby.Lobby, error) {
	select {
	case h.inbox <- msg:
	case <-h.ctx.Done():
		return nil, lobby.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.ctx.Done():
		return nil, lobby.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the live lobby for id, or nil.
func (h *Hub) Running(ctx context.Context, id string) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	return h.request(ctx, GetLobby{ID: id, Reply: reply}, reply)
}

// Start registers s as a new session: it is saved first so the lobby never runs a
// session the store does not know.
func (h *Hub) Start(ctx context.Context, s *puzzle.Session) (*lobby.Lobby, error) {
	if err := h.cfg.Store.Save(ctx, s); err != nil {
		return nil, err
	}
	reply := make(chan *lobby.Lobby, 1)
	return h.request(ctx, EnsureLobby{ID: s.ID, Session: s, Reply: reply}, reply)
}

// Lobby returns the running lobby for id, loading the session from the store when no
// lobby is running. storage.ErrNotFound means the session does not exist.
func (h *Hub) Lobby(ctx context.Context, id string) (*lobby.Lobby, error) {
	if lb, err := h.Running(ctx, id); err != nil || lb != nil {
		return lb, err
	}
	s, err := h.cfg.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	reply := make(chan *lobby.Lobby, 1)
	return h.request(ctx, EnsureLobby{ID: id, Session: s, Reply: reply}, reply)
}

// Do runs fn against the session's lobby, looking it up again when the lobby retired
// between lookup and use.
func (h *Hub) Do(ctx context.Context, id string, fn func(*lobby.Lobby) error) error {
	var err error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		var lb *lobby.Lobby
		lb, err = h.Lobby(ctx, id)
		if err != nil {
			return err
		}
		err = fn(lb)
		if !errors.Is(err, lobby.ErrClosed) {
			return err
		}
	}
	return err
}

// Session returns the current state of id: from the running lobby if there is one,
// straight from the store otherwise.
func (h *Hub) Session(ctx context.Context, id string) (*puzzle.Session, error) {
	lb, err := h.Running(ctx, id)
	if err != nil {
		return nil, err
	}
	if lb != nil {
		v, err := lb.State(ctx)
		if err == nil {
			return v.Session, nil
		}
		if !errors.Is(err, lobby.ErrClosed) {
			return nil, err
		}
	}
	return h.cfg.Store.Load(ctx, id)
}

// Shutdown stops every lobby, waits for their final flush and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case h.inbox <- ShutdownHub{Reply: reply}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
