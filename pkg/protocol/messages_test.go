package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

func TestParse_RejectsUnknownAndMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"type":"PIECE_TELEPORT","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Parse([]byte(`{"type":`))
	assert.ErrorIs(t, err, ErrMalformed)

	env, err := Parse([]byte(`{"type":"PIECE_MOVE","data":{"pieceId":3,"x":10.5,"y":20}}`))
	require.NoError(t, err)
	move, err := Decode[PieceMove](env)
	require.NoError(t, err)
	assert.Equal(t, PieceMove{PieceID: 3, X: 10.5, Y: 20}, move)
}

func TestEnvelope_UsesNamedFields(t *testing.T) {
	env, err := New(KindPiecePlaced, PiecePlaced{PieceID: 1, X: 2, Y: 3, UserID: "u1"})
	require.NoError(t, err)
	raw, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PIECE_PLACED","data":{"pieceId":1,"x":2,"y":3,"userId":"u1"}}`, string(raw))

	done, err := New(KindPuzzleComplete, nil)
	require.NoError(t, err)
	raw, err = Encode(done)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PUZZLE_COMPLETE"}`, string(raw))
}

func TestDecode_MissingData(t *testing.T) {
	_, err := Decode[PieceLock](Envelope{Type: KindPieceLock})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromEvent(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cases := []struct {
		name string
		evt  puzzle.Event
		want string
	}{
		{
			name: "lock",
			evt:  puzzle.Event{Type: puzzle.EvtPieceLocked, PieceID: 4, UserID: "a"},
			want: `{"type":"PIECE_LOCK","data":{"pieceId":4,"userId":"a"}}`,
		},
		{
			name: "rotate carries placement",
			evt:  puzzle.Event{Type: puzzle.EvtPieceRotated, PieceID: 2, Rotation: 90, Placed: true, PlacedBy: "b", UserID: "b"},
			want: `{"type":"PIECE_ROTATE","data":{"pieceId":2,"rotation":90,"isPlaced":true,"placedBy":"b","userId":"b"}}`,
		},
		{
			name: "complete",
			evt:  puzzle.Event{Type: puzzle.EvtPuzzleCompleted},
			want: `{"type":"PUZZLE_COMPLETE","data":{"completedAt":1700000000000}}`,
		},
		{
			name: "leave",
			evt:  puzzle.Event{Type: puzzle.EvtUserLeft, UserID: "gone"},
			want: `{"type":"USER_LEAVE","data":{"userId":"gone"}}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := FromEvent(tc.evt, now)
			require.NoError(t, err)
			raw, err := Encode(env)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(raw))
		})
	}
}

func TestToCommand(t *testing.T) {
	env, err := New(KindPieceRotate, PieceRotate{PieceID: 5, Direction: -1})
	require.NoError(t, err)
	cmd, err := ToCommand(env, "me")
	require.NoError(t, err)
	assert.Equal(t, puzzle.Command{Type: puzzle.CmdRotate, UserID: "me", PieceID: 5, Direction: -1}, cmd)

	env, err = New(KindCursorMove, CursorMove{X: 1, Y: 2, UserID: "spoofed"})
	require.NoError(t, err)
	cmd, err = ToCommand(env, "me")
	require.NoError(t, err)
	assert.Equal(t, "me", cmd.UserID, "user id always comes from the connection")

	env, err = New(KindPuzzleComplete, nil)
	require.NoError(t, err)
	_, err = ToCommand(env, "me")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
