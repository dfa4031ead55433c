package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/puzzle-sync/internal/httpapi"
	"github.com/DoyleJ11/puzzle-sync/internal/hub"
	"github.com/DoyleJ11/puzzle-sync/internal/lobby"
	"github.com/DoyleJ11/puzzle-sync/internal/participant"
	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
	"github.com/DoyleJ11/puzzle-sync/internal/storage"
)

func TestRotateDirection(t *testing.T) {
	tests := []struct {
		rotation float64
		want     int
	}{
		{90, -1},
		{180, 1},
		{270, 1},
		{0, 1},
	}
	for _, tt := range tests {
		got := rotateDirection(puzzle.Piece{Rotation: tt.rotation})
		assert.Equal(t, tt.want, got, "rotation %v", tt.rotation)
	}
}

func TestPuzzlebot_SolvesNewSession(t *testing.T) {
	store := storage.NewMemory(0)
	h := hub.NewHub(context.Background(), lobby.Config{Store: store, PersistInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(httpapi.SetupRoutes(h, httpapi.Options{Seed: 3}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"--server", srv.URL,
		"--grid", "3",
		"--width", "300",
		"--height", "300",
		"--steps", "2",
		"--pause", "1ms",
		"--timeout", "20s",
	})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "puzzle complete, placed 9 pieces")

	var sessionID string
	for _, line := range strings.Split(out.String(), "\n") {
		if id, ok := strings.CutPrefix(line, "created session "); ok {
			sessionID = id
		}
	}
	require.NotEmpty(t, sessionID)

	b, err := participant.NewBootstrap(srv.URL, srv.Client())
	require.NoError(t, err)
	s, err := b.FetchSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, s.Completed)
	for _, p := range s.Pieces {
		assert.True(t, p.IsPlaced)
		assert.Nil(t, p.LockedBy)
	}
}
