package puzzle

import (
	"math"
	"time"
)

// Board layout constants. The assembled image sits at (TargetAreaX, TargetAreaY);
// loose pieces are scattered to its right.
const (
	TargetAreaX = 50
	TargetAreaY = 50

	boardMaxX     = 1150
	boardMaxY     = 750
	scatterGap    = 100
	pieceSpacing  = 15
	quarterTurn   = 90
	fullTurn      = 360
	placeEpsilonP = 5.0 // position tolerance when re-checking placement after a rotation
)

var ValidGridSizes = []int{3, 5, 8}

type Session struct {
	ID          string           `json:"id"`
	ImageURL    string           `json:"imageUrl"`
	ImageWidth  int              `json:"imageWidth"`
	ImageHeight int              `json:"imageHeight"`
	GridSize    int              `json:"gridSize"`
	TotalPieces int              `json:"totalPieces"`
	Pieces      []Piece          `json:"pieces"`
	Users       map[string]*User `json:"users"`
	Completed   bool             `json:"completed"`
	CreatedAt   time.Time        `json:"createdAt"`
}

type Piece struct {
	ID              int     `json:"id"`
	Row             int     `json:"row"`
	Col             int     `json:"col"`
	CurrentX        float64 `json:"currentX"`
	CurrentY        float64 `json:"currentY"`
	CorrectX        float64 `json:"correctX"`
	CorrectY        float64 `json:"correctY"`
	Rotation        float64 `json:"rotation"`
	CorrectRotation float64 `json:"correctRotation"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	IsPlaced        bool    `json:"isPlaced"`
	LockedBy        *string `json:"lockedBy"`
	PlacedBy        *string `json:"placedBy"`
}

type User struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	CursorX float64 `json:"cursorX"`
	CursorY float64 `json:"cursorY"`
}

// Image describes the already-processed reference image a session is cut from.
type Image struct {
	URL    string `json:"imageUrl"`
	Width  int    `json:"imageWidth"`
	Height int    `json:"imageHeight"`
}

// CursorColors is the palette handed out in join order.
var CursorColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FECA57",
	"#FF9FF3", "#54A0FF", "#48DBFB", "#1DD1A1", "#F368E0",
}

// Piece returns a pointer into s.Pieces, or nil when id is unknown.
func (s *Session) Piece(id int) *Piece {
	if id >= 0 && id < len(s.Pieces) && s.Pieces[id].ID == id {
		return &s.Pieces[id]
	}
	for i := range s.Pieces {
		if s.Pieces[i].ID == id {
			return &s.Pieces[i]
		}
	}
	return nil
}

// Clone returns a deep copy so snapshots handed to other goroutines never alias
// the owner's state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Pieces = make([]Piece, len(s.Pieces))
	for i, p := range s.Pieces {
		c.Pieces[i] = p.clone()
	}
	c.Users = make(map[string]*User, len(s.Users))
	for id, u := range s.Users {
		uu := *u
		c.Users[id] = &uu
	}
	return &c
}

func (p Piece) clone() Piece {
	c := p
	if p.LockedBy != nil {
		c.LockedBy = StrPtr(*p.LockedBy)
	}
	if p.PlacedBy != nil {
		c.PlacedBy = StrPtr(*p.PlacedBy)
	}
	return c
}

// LockHolder returns the lock owner or "" when unlocked.
func (p *Piece) LockHolder() string {
	if p.LockedBy == nil {
		return ""
	}
	return *p.LockedBy
}

func (p *Piece) PlacedByID() string {
	if p.PlacedBy == nil {
		return ""
	}
	return *p.PlacedBy
}

// Place marks the piece as correctly placed. placedBy is only written the first time.
func (p *Piece) Place(userID string) {
	p.IsPlaced = true
	p.LockedBy = nil
	if p.PlacedBy == nil && userID != "" {
		p.PlacedBy = StrPtr(userID)
	}
}

// RotationCorrect compares rotations modulo a full turn.
func (p *Piece) RotationCorrect() bool {
	return NormalizeDegrees(p.Rotation) == NormalizeDegrees(p.CorrectRotation)
}

// AtCorrectPosition reports whether the piece sits within tol pixels of its target.
func (p *Piece) AtCorrectPosition(tol float64) bool {
	return math.Abs(p.CurrentX-p.CorrectX) <= tol && math.Abs(p.CurrentY-p.CorrectY) <= tol
}

// NormalizeDegrees maps any angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	n := math.Mod(deg, fullTurn)
	if n < 0 {
		n += fullTurn
	}
	return n
}

// ReleaseLocksHeldBy clears every lock owned by userID and returns the affected piece ids.
func (s *Session) ReleaseLocksHeldBy(userID string) []int {
	var released []int
	for i := range s.Pieces {
		if s.Pieces[i].LockHolder() == userID {
			s.Pieces[i].LockedBy = nil
			released = append(released, s.Pieces[i].ID)
		}
	}
	return released
}

// PlacedCount is used by scoring and by the completion detector.
func (s *Session) PlacedCount() int {
	n := 0
	for i := range s.Pieces {
		if s.Pieces[i].IsPlaced {
			n++
		}
	}
	return n
}

// Scores counts placed pieces per user.
func (s *Session) Scores() map[string]int {
	out := map[string]int{}
	for i := range s.Pieces {
		if id := s.Pieces[i].PlacedByID(); id != "" {
			out[id]++
		}
	}
	return out
}

func StrPtr(s string) *string { return &s }
