package banned

import (
	"slices"
	"sort"
)

// track advances every tracking sequence by the step's emitted token, in the
// order sequences entered tracking. The pass stops at the first completion.
func (m *Mechanism) track(res *StepResult) {
	quiet := len(m.rev.queue) == 0

	for _, s := range m.trackingOrder() {
		if s.status == StatusPaused {
			row := res.History[s.index]
			if !slices.Equal(row, s.pauseHistory) {
				// Nothing left to rewind the batch back to the pause point.
				if quiet && len(row) > len(s.pauseHistory) {
					s.toIdle()
					m.emit(newEvent(EventReleased, s.index, res.Timestep))
				}
				continue
			}
			s.status = StatusTracking
			s.pauseHistory = nil
			m.emit(newEvent(EventResumed, s.index, res.Timestep))
		}

		if m.advance(s, res) {
			return
		}
	}
}

// advance feeds one token to s. It reports whether a phrase completed.
func (m *Mechanism) advance(s *sequenceState, res *StepResult) bool {
	tok := res.Emitted[s.index]
	prev := s.progress()

	kept := make([]match, 0, len(s.matches))
	completed := -1
	for _, mt := range s.matches {
		p := m.phrases.phrase(mt.phrase)
		if p[mt.matched] != tok {
			continue
		}
		if mt.matched+1 == len(p) {
			completed = mt.phrase
			break
		}
		kept = append(kept, match{phrase: mt.phrase, matched: mt.matched + 1})
	}

	if completed >= 0 {
		m.requestRevert(s, completed, tok, res)
		return true
	}

	if _, seen := m.advanced[s.index]; !seen {
		m.advanced[s.index] = prev
	}
	s.matches = kept
	if len(kept) == 0 {
		s.status = StatusIdle
		s.detected = nil
		m.emit(newEvent(EventDropped, s.index, res.Timestep))
	}
	return false
}

func (m *Mechanism) trackingOrder() []*sequenceState {
	var out []*sequenceState
	for _, s := range m.seqs {
		if s.status == StatusTracking || s.status == StatusPaused {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].priority < out[b].priority })
	return out
}
