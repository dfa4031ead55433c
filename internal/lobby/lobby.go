package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/logging"
	"github.com/DoyleJ11/puzzle-sync/internal/metrics"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

// ErrClosed is returned to callers that reach a lobby which has stopped, or is about
// to stop because its last participant left. Look the session up again.
var ErrClosed = errors.New("lobby closed")

const (
	DefaultPersistInterval = time.Second
	saveTimeout            = 5 * time.Second
	inboxSize              = 64
)

type Msg interface{ isLobbyMsg() }

// Connect attaches a websocket connection for a user that already joined.
type Connect struct {
	ConnID string
	UserID string
	Outbox chan protocol.Envelope // where this connection receives broadcasts
	Reply  chan error
}

func (Connect) isLobbyMsg() {}

type Disconnect struct{ ConnID string }

func (Disconnect) isLobbyMsg() {}

type FromClient struct {
	ConnID string
	Env    protocol.Envelope
}

func (FromClient) isLobbyMsg() {}

// AddUser registers a new participant; the lobby picks the cursor colour.
type AddUser struct {
	UserID string
	Name   string
	Reply  chan AddUserResult
}

func (AddUser) isLobbyMsg() {}

type AddUserResult struct {
	User puzzle.User
	Err  error
}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type View struct {
	Version    int
	NumClients int
	Session    *puzzle.Session // deep copy
}

// Config carries the collaborators every lobby shares.
type Config struct {
	Rules           puzzle.Rules
	Store           storage.Store
	Log             *zap.Logger
	Metrics         *metrics.Metrics
	PersistInterval time.Duration
	// OnEmpty runs on the lobby goroutine after the last connection left and state
	// has been flushed. The lobby refuses new work from then on.
	OnEmpty func(*Lobby)
	Now     func() time.Time
}

type client struct {
	userID string
	outbox chan protocol.Envelope
}

type Lobby struct {
	id       string
	inbox    chan Msg
	session  *puzzle.Session
	version  int
	joined   int
	clients  map[string]*client
	dirty    bool
	retiring bool

	cfg  Config
	log  *zap.Logger
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}
}

func NewLobby(parent context.Context, s *puzzle.Session, cfg Config) *Lobby {
	if cfg.Rules.SnapThreshold <= 0 {
		cfg.Rules = puzzle.DefaultRules()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory(0)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if s.Users == nil {
		s.Users = map[string]*puzzle.User{}
	}

	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		id:      s.ID,
		inbox:   make(chan Msg, inboxSize),
		session: s,
		joined:  len(s.Users),
		clients: make(map[string]*client),
		cfg:     cfg,
		log:     logging.Session(cfg.Log, s.ID),
		ctx:     ctx,
		stop:    cancel,
		done:    make(chan struct{}),
	}

	go l.loop()
	return l
}

func (l *Lobby) ID() string { return l.id }

// Done is closed once the lobby goroutine has exited and its final flush finished.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Stop asks the lobby to flush and exit without blocking the caller.
func (l *Lobby) Stop() { l.stop() }

// Send enqueues msg unless the lobby has exited or ctx ends first.
func (l *Lobby) Send(ctx context.Context, msg Msg) error {
	select {
	case l.inbox <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers outbox for userID. The first envelope on outbox is SESSION_STATE.
func (l *Lobby) Connect(ctx context.Context, connID, userID string, outbox chan protocol.Envelope) error {
	reply := make(chan error, 1)
	if err := l.Send(ctx, Connect{ConnID: connID, UserID: userID, Outbox: outbox, Reply: reply}); err != nil {
		return err
	}
	return await(ctx, l.done, reply)
}

// AddUser joins a new participant and broadcasts USER_JOIN to everyone connected.
func (l *Lobby) AddUser(ctx context.Context, userID, name string) (puzzle.User, error) {
	reply := make(chan AddUserResult, 1)
	if err := l.Send(ctx, AddUser{UserID: userID, Name: name, Reply: reply}); err != nil {
		return puzzle.User{}, err
	}
	select {
	case res := <-reply:
		return res.User, res.Err
	case <-l.done:
		return puzzle.User{}, ErrClosed
	case <-ctx.Done():
		return puzzle.User{}, ctx.Err()
	}
}

func (l *Lobby) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func await(ctx context.Context, done <-chan struct{}, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) loop() {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case <-ticker.C:
			if l.dirty {
				l.save()
			}

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Connect:
				msg.Reply <- l.connect(msg)

			case Disconnect:
				l.disconnect(msg.ConnID)

			case FromClient:
				l.fromClient(msg)

			case AddUser:
				msg.Reply <- l.addUser(msg)

			case GetState:
				msg.Reply <- View{
					Version:    l.version,
					NumClients: len(l.clients),
					Session:    l.session.Clone(),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) connect(msg Connect) error {
	if l.retiring {
		return ErrClosed
	}
	if _, ok := l.session.Users[msg.UserID]; !ok {
		return puzzle.ErrUnknownUser
	}
	env, err := protocol.New(protocol.KindSessionState, protocol.SessionState{
		Session: l.session.Clone(),
		UserID:  msg.UserID,
	})
	if err != nil {
		return err
	}
	select {
	case msg.Outbox <- env:
	default:
		return errors.New("outbox full on connect")
	}
	l.clients[msg.ConnID] = &client{userID: msg.UserID, outbox: msg.Outbox}
	l.cfg.Metrics.ConnectedClients.Inc()
	l.log.Debug("client connected", zap.String("conn", msg.ConnID), zap.String("user", msg.UserID))
	return nil
}

// disconnect detaches a connection. When it was the user's last one the user leaves
// the session, which releases every lock they held.
func (l *Lobby) disconnect(connID string) {
	c, ok := l.clients[connID]
	if !ok {
		return
	}
	delete(l.clients, connID)
	close(c.outbox)
	l.cfg.Metrics.ConnectedClients.Dec()

	if !l.userConnected(c.userID) {
		events, err := puzzle.Apply(l.session, l.cfg.Rules, puzzle.Command{Type: puzzle.CmdLeave, UserID: c.userID})
		if err == nil {
			l.version++
			l.publish(events)
			l.save()
		}
	}

	if len(l.clients) == 0 && !l.retiring && l.cfg.OnEmpty != nil {
		if l.dirty {
			l.save()
		}
		l.retiring = true
		l.cfg.OnEmpty(l)
	}
}

func (l *Lobby) userConnected(userID string) bool {
	for _, c := range l.clients {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (l *Lobby) fromClient(msg FromClient) {
	c, ok := l.clients[msg.ConnID]
	if !ok {
		return
	}
	cmd, err := protocol.ToCommand(msg.Env, c.userID)
	if err != nil {
		l.cfg.Metrics.ProtocolRejected.Inc()
		l.log.Debug("rejected frame", zap.String("conn", msg.ConnID), zap.Error(err))
		if env, encErr := protocol.New(protocol.KindError, protocol.Error{Code: "bad_request", Message: err.Error()}); encErr == nil {
			l.sendTo(msg.ConnID, env)
		}
		return
	}

	events, err := puzzle.Apply(l.session, l.cfg.Rules, cmd)
	if err != nil {
		// Denials are expressed by state alone; nobody hears about them.
		l.cfg.Metrics.Commands.WithLabelValues(string(cmd.Type), "rejected").Inc()
		l.log.Debug("command rejected",
			zap.String("user", c.userID),
			zap.String("cmd", string(cmd.Type)),
			zap.Int("piece", cmd.PieceID),
			zap.Error(err))
		return
	}
	l.cfg.Metrics.Commands.WithLabelValues(string(cmd.Type), "applied").Inc()
	l.version++
	l.publish(events)

	switch cmd.Type {
	case puzzle.CmdMove, puzzle.CmdCursor:
		l.dirty = true
	default:
		l.save()
	}
}

func (l *Lobby) addUser(msg AddUser) AddUserResult {
	if l.retiring {
		return AddUserResult{Err: ErrClosed}
	}
	user := puzzle.NewUser(msg.UserID, msg.Name, l.joined)
	events, err := puzzle.Apply(l.session, l.cfg.Rules, puzzle.Command{Type: puzzle.CmdJoin, UserID: user.ID, User: user})
	if err != nil {
		return AddUserResult{Err: err}
	}
	l.joined++
	l.version++
	l.publish(events)
	l.save()
	l.log.Info("user joined", zap.String("user", user.ID), zap.String("name", user.Name))
	return AddUserResult{User: *l.session.Users[user.ID]}
}

func (l *Lobby) publish(events []puzzle.Event) {
	now := l.cfg.Now()
	for _, evt := range events {
		switch evt.Type {
		case puzzle.EvtPiecePlaced:
			l.cfg.Metrics.PiecesPlaced.Inc()
		case puzzle.EvtPieceRotated:
			if evt.Placed {
				l.cfg.Metrics.PiecesPlaced.Inc()
			}
		case puzzle.EvtPuzzleCompleted:
			l.cfg.Metrics.PuzzlesCompleted.Inc()
			l.log.Info("puzzle completed", zap.Int("pieces", len(l.session.Pieces)))
		}
		env, err := protocol.FromEvent(evt, now)
		if err != nil {
			l.log.Error("encode event", zap.String("event", string(evt.Type)), zap.Error(err))
			continue
		}
		l.broadcast(env)
	}
}

func (l *Lobby) broadcast(env protocol.Envelope) {
	l.cfg.Metrics.Broadcasts.Inc()
	var slow []string
	for id, c := range l.clients {
		select {
		case c.outbox <- env:
			//ok
		default:
			// Client is slow/full - drop them.
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		l.cfg.Metrics.DroppedClients.Inc()
		l.log.Warn("dropping slow client", zap.String("conn", id))
		l.disconnect(id)
	}
}

func (l *Lobby) sendTo(connID string, env protocol.Envelope) {
	c, ok := l.clients[connID]
	if !ok {
		return
	}
	select {
	case c.outbox <- env:
	default:
		l.disconnect(connID)
	}
}

func (l *Lobby) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	start := time.Now()
	err := l.cfg.Store.Save(ctx, l.session)
	l.cfg.Metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		l.cfg.Metrics.PersistFailures.Inc()
		l.log.Error("persist session", zap.Error(err))
		return
	}
	l.dirty = false
}

// shutdown disconnects everyone as if they had left, so no lock outlives the
// process, then writes the session once.
func (l *Lobby) shutdown() {
	left := map[string]bool{}
	for id, c := range l.clients {
		close(c.outbox) // Tell client no more envelopes
		delete(l.clients, id)
		l.cfg.Metrics.ConnectedClients.Dec()
		left[c.userID] = true
	}
	for userID := range left {
		if _, err := puzzle.Apply(l.session, l.cfg.Rules, puzzle.Command{Type: puzzle.CmdLeave, UserID: userID}); err == nil {
			l.version++
			l.dirty = true
		}
	}
	if l.dirty {
		l.save()
	}
	l.stop()
}
