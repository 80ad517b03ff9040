package banned

import "slices"

// detect starts tracking for every idle sequence whose emitted token begins
// at least one phrase. rankings yields the batch's rankings for the
// timestep being detected. Detection stops once a single-token phrase queues
// a revert; the rewind that follows presents the remaining rows again.
func (m *Mechanism) detect(res *StepResult, rankings func() [][]int) {
	for i, s := range m.seqs {
		if s.status != StatusIdle || s.finished {
			continue
		}
		tok := res.Emitted[i]
		if len(m.phrases.StartingWith(tok)) == 0 {
			continue
		}

		snap := &snapshot{
			history:  slices.Clone(res.History[i]),
			rankings: rankings(),
			seq:      i,
			token:    tok,
		}
		if m.detectAt(s, snap, res) {
			return
		}
	}
}

// detectAt begins tracking the phrases starting with snap.token. It reports
// whether a single-token phrase completed on the spot.
func (m *Mechanism) detectAt(s *sequenceState, snap *snapshot, res *StepResult) bool {
	idxs := m.phrases.StartingWith(snap.token)
	if len(idxs) == 0 {
		return false
	}

	if _, seen := m.advanced[s.index]; !seen {
		m.advanced[s.index] = s.progress()
	}

	m.nextPriority++
	s.priority = m.nextPriority
	s.detected = snap
	s.status = StatusTracking
	s.matches = make([]match, 0, len(idxs))
	for _, idx := range idxs {
		s.matches = append(s.matches, match{phrase: idx, matched: 1})
	}

	ev := newEvent(EventDetected, s.index, snap.timestep())
	ev.Token = snap.token
	ev.Phrase = idxs[0]
	m.emit(ev)

	for _, idx := range idxs {
		if len(m.phrases.phrase(idx)) == 1 {
			m.requestRevert(s, idx, snap.token, res)
			return true
		}
	}
	return false
}

// cloneRankings copies the step's rankings once, on first use.
func cloneRankings(step Step) func() [][]int {
	var frozen [][]int
	return func() [][]int {
		if frozen == nil {
			frozen = make([][]int, len(step.Ranking))
			for i, r := range step.Ranking {
				frozen[i] = slices.Clone(r)
			}
		}
		return frozen
	}
}
