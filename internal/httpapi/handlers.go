package httpapi

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/DoyleJ11/puzzle-sync/internal/hub"
	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
)

const (
	maxNameRunes = 40
	maxBodyBytes = 16 << 10
)

var ErrBlankName = errors.New("name must not be blank")

type CreateSessionRequest struct {
	ImageURL    string `json:"imageUrl"`
	ImageWidth  int    `json:"imageWidth"`
	ImageHeight int    `json:"imageHeight"`
	GridSize    int    `json:"gridSize"`
}

type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type JoinRequest struct {
	Name string `json:"name"`
}

// NormalizeName trims, NFC-normalises and truncates a display name.
func NormalizeName(raw string) (string, error) {
	name := strings.TrimSpace(norm.NFC.String(raw))
	if name == "" {
		return "", ErrBlankName
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}
	return name, nil
}

// lockedRand serialises a math/rand source across handler goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) newSession(id string, img puzzle.Image, gridSize int, now time.Time) (*puzzle.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return puzzle.NewSession(id, img, gridSize, l.rng, now)
}

func CreateSession(h *hub.Hub, rng *lockedRand, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSessionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.ImageURL) == "" {
			http.Error(w, "imageUrl is required", http.StatusBadRequest)
			return
		}

		img := puzzle.Image{URL: req.ImageURL, Width: req.ImageWidth, Height: req.ImageHeight}
		s, err := rng.newSession(uuid.NewString(), img, req.GridSize, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := h.Start(r.Context(), s); err != nil {
			log.Error("start session", zap.String("session", s.ID), zap.Error(err))
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		log.Info("session created", zap.String("session", s.ID), zap.Int("grid", s.GridSize))
		writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: s.ID})
	}
}

func GetSession(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		s, err := h.Session(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get session", zap.String("session", id), zap.Error(err))
			http.Error(w, "failed to load session", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func JoinSession(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		var req JoinRequest
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		name, err := NormalizeName(req.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var user puzzle.User
		err = h.Do(r.Context(), id, func(lb *lobby.Lobby) error {
			var err error
			user, err = lb.AddUser(r.Context(), uuid.NewString(), name)
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("join session", zap.String("session", id), zap.Error(err))
			http.Error(w, "failed to join session", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
