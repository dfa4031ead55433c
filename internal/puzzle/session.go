package puzzle

import (
	"math/rand"
	"slices"
	"time"
)

// NewSession cuts an N×N grid over img and scatters the pieces to the right of the
// target area with a random quarter-turn rotation.
func NewSession(id string, img Image, gridSize int, rng *rand.Rand, now time.Time) (*Session, error) {
	if !slices.Contains(ValidGridSizes, gridSize) {
		return nil, ErrInvalidGridSize
	}
	if img.Width <= 0 || img.Height <= 0 {
		return nil, ErrInvalidImage
	}

	s := &Session{
		ID:          id,
		ImageURL:    img.URL,
		ImageWidth:  img.Width,
		ImageHeight: img.Height,
		GridSize:    gridSize,
		TotalPieces: gridSize * gridSize,
		Users:       map[string]*User{},
		CreatedAt:   now,
	}
	s.Pieces = layoutPieces(gridSize, img.Width, img.Height, rng)
	return s, nil
}

func layoutPieces(gridSize, imgW, imgH int, rng *rand.Rand) []Piece {
	pw := imgW / gridSize
	ph := imgH / gridSize
	total := gridSize * gridSize

	// shuffled scatter slot for every piece
	slots := rng.Perm(total)

	scatterStartX := imgW + scatterGap
	maxSize := max(pw, ph)
	cols := max(1, (boardMaxX-scatterStartX)/(maxSize+pieceSpacing))
	cols = min(cols, gridSize)

	rotations := []float64{0, 90, 180, 270}
	pieces := make([]Piece, 0, total)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			id := row*gridSize + col
			slot := slots[id]
			x := scatterStartX + (slot%cols)*(maxSize+pieceSpacing)
			y := TargetAreaY + (slot/cols)*(maxSize+pieceSpacing)

			pieces = append(pieces, Piece{
				ID:              id,
				Row:             row,
				Col:             col,
				Width:           pw,
				Height:          ph,
				CorrectX:        float64(TargetAreaX + col*pw),
				CorrectY:        float64(TargetAreaY + row*ph),
				CurrentX:        float64(min(x, boardMaxX-pw)),
				CurrentY:        float64(min(y, boardMaxY-ph)),
				Rotation:        rotations[rng.Intn(len(rotations))],
				CorrectRotation: 0,
			})
		}
	}
	return pieces
}

// NewUser builds the record handed out on join. Colours cycle through CursorColors
// in join order.
func NewUser(id, name string, joined int) *User {
	return &User{
		ID:    id,
		Name:  name,
		Color: CursorColors[joined%len(CursorColors)],
	}
}
