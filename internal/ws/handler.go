package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/puzzle-sync/internal/hub"
	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
	"github.com/DoyleJ11/puzzle-sync/pkg/protocol"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 256
	readLimit    = 64 << 10
)

// Options tune the endpoint. OriginPatterns is passed to websocket.Accept; "*" allows
// any origin.
type Options struct {
	OriginPatterns []string
	Log            *zap.Logger
}

// Handler serves /ws/puzzle/{sessionID}?userId=... for a user that joined over REST.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		userID := r.URL.Query().Get("userId")
		if sessionID == "" || userID == "" {
			http.Error(w, "missing session or userId", http.StatusBadRequest)
			return
		}

		out := make(chan protocol.Envelope, outboxSize)
		connID := uuid.NewString()
		var lb *lobby.Lobby
		err := h.Do(r.Context(), sessionID, func(l *lobby.Lobby) error {
			lb = l
			return l.Connect(r.Context(), connID, userID, out)
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
			return
		case errors.Is(err, puzzle.ErrUnknownUser):
			http.Error(w, "unknown user, join first", http.StatusNotFound)
			return
		case err != nil:
			log.Warn("ws connect", zap.String("session", sessionID), zap.Error(err))
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}
		// From here the lobby owns out and closes it on Disconnect or shutdown.
		defer func() { _ = lb.Send(context.Background(), lobby.Disconnect{ConnID: connID}) }()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(readLimit)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine
		go func() {
			defer cancel()
			for env := range out {
				payload, err := protocol.Encode(env)
				if err != nil {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err = conn.Write(wctx, websocket.MessageText, payload)
				wcancel()
				if err != nil {
					return
				}
			}
			// lobby dropped us or shut down
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						log.Debug("ws read", zap.String("conn", connID), zap.Error(err))
					}
				}
				return
			}

			env, err := protocol.Parse(data)
			if err != nil {
				writeError(ctx, conn, err)
				continue
			}
			if err := lb.Send(ctx, lobby.FromClient{ConnID: connID, Env: env}); err != nil {
				return
			}
		}
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, cause error) {
	env, err := protocol.New(protocol.KindError, protocol.Error{Code: "malformed", Message: cause.Error()})
	if err != nil {
		return
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
