package puzzle

import (
	"errors"
	"math"
)

var ErrUnknownPiece = errors.New("unknown piece")
var ErrUnknownUser = errors.New("unknown user")
var ErrDuplicateUser = errors.New("user already joined")
var ErrPieceLocked = errors.New("piece locked by another user")
var ErrPiecePlaced = errors.New("piece already placed")
var ErrNotLockHolder = errors.New("not the lock holder")
var ErrSessionCompleted = errors.New("session already completed")
var ErrInvalidDirection = errors.New("rotation direction must be 1 or -1")
var ErrInvalidGridSize = errors.New("invalid grid size, must be 3, 5 or 8")
var ErrInvalidImage = errors.New("image dimensions must be positive")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Rules struct {
	SnapThreshold float64 // pixels between piece centre and cell centre
}

func DefaultRules() Rules {
	return Rules{SnapThreshold: 50}
}

type CommandType string

const (
	CmdJoin    CommandType = "Join"
	CmdLeave   CommandType = "Leave"
	CmdLock    CommandType = "Lock"
	CmdUnlock  CommandType = "Unlock"
	CmdMove    CommandType = "Move"
	CmdRelease CommandType = "Release"
	CmdRotate  CommandType = "Rotate"
	CmdCursor  CommandType = "Cursor"
)

/*
	CmdJoin    -> EvtUserJoined
	CmdLeave   -> EvtUserLeft (locks held by the user are released with it)
	CmdLock    -> EvtPieceLocked, nothing on denial
	CmdUnlock  -> EvtPieceUnlocked
	CmdMove    -> EvtPieceMoved
	CmdRelease -> EvtPieceReleased | EvtPiecePlaced [-> EvtPuzzleCompleted]
	CmdRotate  -> EvtPieceRotated [-> EvtPuzzleCompleted]
	CmdCursor  -> EvtCursorMoved
*/

type Command struct {
	Type      CommandType
	UserID    string
	PieceID   int
	X, Y      float64
	Direction int   // CmdRotate: 1 clockwise, -1 counter-clockwise
	User      *User // CmdJoin
}

type EventType string

const (
	EvtUserJoined      EventType = "UserJoined"
	EvtUserLeft        EventType = "UserLeft"
	EvtPieceLocked     EventType = "PieceLocked"
	EvtPieceUnlocked   EventType = "PieceUnlocked"
	EvtPieceMoved      EventType = "PieceMoved"
	EvtPieceReleased   EventType = "PieceReleased"
	EvtPiecePlaced     EventType = "PiecePlaced"
	EvtPieceRotated    EventType = "PieceRotated"
	EvtCursorMoved     EventType = "CursorMoved"
	EvtPuzzleCompleted EventType = "PuzzleCompleted"
)

type Event struct {
	Type     EventType
	UserID   string
	PieceID  int
	X, Y     float64
	Rotation float64
	Placed   bool
	PlacedBy string
	User     *User
}

// Apply validates cmd against s and, on success, mutates s and returns the events to
// broadcast. A rejected command leaves s untouched. The caller serialises Apply per
// session, which is what makes lock acquisition atomic.
func Apply(s *Session, rules Rules, cmd Command) ([]Event, error) {
	switch cmd.Type {
	case CmdJoin:
		if cmd.User == nil {
			return nil, ErrUnknownUser
		}
		if _, ok := s.Users[cmd.User.ID]; ok {
			return nil, ErrDuplicateUser
		}
		if s.Users == nil {
			s.Users = map[string]*User{}
		}
		u := *cmd.User
		s.Users[u.ID] = &u
		return []Event{{Type: EvtUserJoined, UserID: u.ID, User: &u}}, nil

	case CmdLeave:
		if _, ok := s.Users[cmd.UserID]; !ok {
			return nil, ErrUnknownUser
		}
		delete(s.Users, cmd.UserID)
		s.ReleaseLocksHeldBy(cmd.UserID)
		return []Event{{Type: EvtUserLeft, UserID: cmd.UserID}}, nil

	case CmdCursor:
		u, ok := s.Users[cmd.UserID]
		if !ok {
			return nil, ErrUnknownUser
		}
		u.CursorX, u.CursorY = cmd.X, cmd.Y
		return []Event{{Type: EvtCursorMoved, UserID: cmd.UserID, X: cmd.X, Y: cmd.Y}}, nil

	case CmdLock:
		p, err := pieceForManipulation(s, cmd)
		if err != nil {
			return nil, err
		}
		p.LockedBy = StrPtr(cmd.UserID)
		return []Event{{Type: EvtPieceLocked, PieceID: p.ID, UserID: cmd.UserID}}, nil

	case CmdUnlock:
		p := s.Piece(cmd.PieceID)
		if p == nil {
			return nil, ErrUnknownPiece
		}
		if p.LockHolder() != cmd.UserID {
			return nil, ErrNotLockHolder
		}
		p.LockedBy = nil
		return []Event{{Type: EvtPieceUnlocked, PieceID: p.ID, UserID: cmd.UserID}}, nil

	case CmdMove:
		p, err := pieceForManipulation(s, cmd)
		if err != nil {
			return nil, err
		}
		p.CurrentX, p.CurrentY = cmd.X, cmd.Y
		return []Event{{Type: EvtPieceMoved, PieceID: p.ID, UserID: cmd.UserID, X: cmd.X, Y: cmd.Y}}, nil

	case CmdRelease:
		p, err := pieceForManipulation(s, cmd)
		if err != nil {
			return nil, err
		}
		return release(s, rules, p, cmd), nil

	case CmdRotate:
		if cmd.Direction != 1 && cmd.Direction != -1 {
			return nil, ErrInvalidDirection
		}
		p, err := pieceForManipulation(s, cmd)
		if err != nil {
			return nil, err
		}
		return rotate(s, p, cmd), nil

	default:
		return nil, ErrUnsupportedCommand
	}
}

// pieceForManipulation is the lock arbiter: a piece may be touched by userID only when
// the session is still running, the piece is loose and nobody else holds it.
func pieceForManipulation(s *Session, cmd Command) (*Piece, error) {
	if s.Completed {
		return nil, ErrSessionCompleted
	}
	if _, ok := s.Users[cmd.UserID]; !ok {
		return nil, ErrUnknownUser
	}
	p := s.Piece(cmd.PieceID)
	if p == nil {
		return nil, ErrUnknownPiece
	}
	if p.IsPlaced {
		return nil, ErrPiecePlaced
	}
	if holder := p.LockHolder(); holder != "" && holder != cmd.UserID {
		return nil, ErrPieceLocked
	}
	return p, nil
}

func release(s *Session, rules Rules, p *Piece, cmd Command) []Event {
	x, y := cmd.X, cmd.Y
	row, col, sx, sy, snapped := nearestCell(s, p, x, y, rules.SnapThreshold)
	if snapped {
		x, y = sx, sy
	}
	p.CurrentX, p.CurrentY = x, y

	if !snapped || row != p.Row || col != p.Col || !p.RotationCorrect() {
		return []Event{{Type: EvtPieceReleased, PieceID: p.ID, UserID: cmd.UserID, X: x, Y: y}}
	}

	p.CurrentX, p.CurrentY = p.CorrectX, p.CorrectY
	p.Place(cmd.UserID)
	events := []Event{{
		Type: EvtPiecePlaced, PieceID: p.ID, UserID: cmd.UserID,
		X: p.CurrentX, Y: p.CurrentY, Placed: true, PlacedBy: p.PlacedByID(),
	}}
	return appendCompletion(s, events)
}

func rotate(s *Session, p *Piece, cmd Command) []Event {
	p.Rotation = NormalizeDegrees(p.Rotation + float64(cmd.Direction*quarterTurn))
	if p.AtCorrectPosition(placeEpsilonP) && p.RotationCorrect() {
		p.CurrentX, p.CurrentY = p.CorrectX, p.CorrectY
		p.Place(cmd.UserID)
	}
	events := []Event{{
		Type: EvtPieceRotated, PieceID: p.ID, UserID: cmd.UserID,
		Rotation: p.Rotation, Placed: p.IsPlaced, PlacedBy: p.PlacedByID(),
	}}
	if p.IsPlaced {
		events = appendCompletion(s, events)
	}
	return events
}

func appendCompletion(s *Session, events []Event) []Event {
	det := CompletionDetector{fired: s.Completed}
	if det.Observe(s) {
		s.Completed = true
		events = append(events, Event{Type: EvtPuzzleCompleted})
	}
	return events
}

// nearestCell finds the grid cell whose centre is closest to the piece centre, looking
// only at the 3×3 neighbourhood of the rounded cell. Quarter-rotated pieces get a
// slightly larger threshold.
func nearestCell(s *Session, p *Piece, x, y, threshold float64) (row, col int, sx, sy float64, ok bool) {
	if s.GridSize <= 0 {
		return 0, 0, x, y, false
	}
	pw := float64(s.ImageWidth / s.GridSize)
	ph := float64(s.ImageHeight / s.GridSize)
	if pw <= 0 || ph <= 0 {
		return 0, 0, x, y, false
	}
	cx, cy := x+pw/2, y+ph/2

	centreCol := int(math.Round((cx - TargetAreaX) / pw))
	centreRow := int(math.Round((cy - TargetAreaY) / ph))

	best := math.MaxFloat64
	row, col = -1, -1
	for r := centreRow - 1; r <= centreRow+1; r++ {
		for c := centreCol - 1; c <= centreCol+1; c++ {
			if r < 0 || r >= s.GridSize || c < 0 || c >= s.GridSize {
				continue
			}
			gx := TargetAreaX + float64(c)*pw + pw/2
			gy := TargetAreaY + float64(r)*ph + ph/2
			if d := math.Hypot(cx-gx, cy-gy); d < best {
				best, row, col = d, r, c
			}
		}
	}
	if row < 0 {
		return 0, 0, x, y, false
	}

	eff := threshold
	if math.Mod(NormalizeDegrees(p.Rotation), 180) != 0 {
		eff *= 1.2
	}
	if best > eff {
		return row, col, x, y, false
	}
	return row, col, TargetAreaX + float64(col)*pw, TargetAreaY + float64(row)*ph, true
}
