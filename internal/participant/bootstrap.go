// Package participant is the client side of a puzzle session: HTTP bootstrap, the
// websocket push channel and the event loop that owns the reconciled mirror.
package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

// ErrNotFound means the session id is unknown to the coordinator. It is not retried.
var ErrNotFound = errors.New("session not found")

// ErrRejected wraps a 4xx other than 404, e.g. a blank name on join.
var ErrRejected = errors.New("request rejected")

const defaultHTTPTimeout = 10 * time.Second

// Bootstrap talks to the coordinator's REST surface.
type Bootstrap struct {
	base *url.URL
	http *http.Client
}

func NewBootstrap(baseURL string, client *http.Client) (*Bootstrap, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Bootstrap{base: u, http: client}, nil
}

// NewSessionRequest mirrors the coordinator's create body.
type NewSessionRequest struct {
	ImageURL    string `json:"imageUrl"`
	ImageWidth  int    `json:"imageWidth"`
	ImageHeight int    `json:"imageHeight"`
	GridSize    int    `json:"gridSize"`
}

func (b *Bootstrap) CreateSession(ctx context.Context, req NewSessionRequest) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := b.do(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (b *Bootstrap) FetchSession(ctx context.Context, sessionID string) (*puzzle.Session, error) {
	var s puzzle.Session
	if err := b.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Join registers name in the session and returns the user record, whose ID is what
// the websocket is opened with.
func (b *Bootstrap) Join(ctx context.Context, sessionID, name string) (puzzle.User, error) {
	var u puzzle.User
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	err := b.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/join", body, &u)
	return u, err
}

// WebsocketURL is the push channel address for (sessionID, userID).
func (b *Bootstrap) WebsocketURL(sessionID, userID string) string {
	u := *b.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/puzzle/" + url.PathEscape(sessionID)
	u.RawQuery = url.Values{"userId": {userID}}.Encode()
	return u.String()
}

func (b *Bootstrap) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(msg)))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
