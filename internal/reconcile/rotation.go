package reconcile

import "github.com/DoyleJ11/puzzle-sync/internal/puzzle"

// NearestRotation moves the unbounded displayed rotation prev to the equivalent of
// target (taken mod 360) that is closest to it. diff is always within [-180, 180],
// so 350 -> 10 turns +20 to 370 instead of spinning back through 0.
func NearestRotation(prev, target float64) (next, diff float64) {
	diff = puzzle.NormalizeDegrees(target) - puzzle.NormalizeDegrees(prev)
	if diff > 180 {
		diff -= 360
	} else if diff < -180 {
		diff += 360
	}
	return prev + diff, diff
}
