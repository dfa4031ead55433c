package puzzle

// CompletionDetector reports the transition to "every piece placed" exactly once.
// The zero value has not fired yet.
type CompletionDetector struct {
	fired bool
}

// NewCompletionDetector seeds the detector from s so an already-completed session
// never fires again.
func NewCompletionDetector(s *Session) *CompletionDetector {
	return &CompletionDetector{fired: s != nil && s.Completed}
}

// Observe returns true the first time s is seen complete, false on every other call.
func (d *CompletionDetector) Observe(s *Session) bool {
	if d.fired || s == nil {
		return false
	}
	if s.Completed || AllPlaced(s) {
		d.fired = true
		return true
	}
	return false
}

func (d *CompletionDetector) Fired() bool { return d.fired }

func AllPlaced(s *Session) bool {
	if len(s.Pieces) == 0 {
		return false
	}
	for i := range s.Pieces {
		if !s.Pieces[i].IsPlaced {
			return false
		}
	}
	return true
}
