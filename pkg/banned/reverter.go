package banned

import "slices"

// reverter owns the FIFO revert queue. The head is either waiting for the
// gate (PendingRevert) or is the single in-flight reversion.
type reverter struct {
	queue     []int
	reverting int
	epsilon   float64
	rng       RandSource
}

func (r *reverter) hasPending(seqs []*sequenceState) bool {
	for _, i := range r.queue {
		if seqs[i].status == StatusPendingRevert {
			return true
		}
	}
	return false
}

func (r *reverter) remove(i int) {
	r.queue = slices.DeleteFunc(r.queue, func(j int) bool { return j == i })
	if r.reverting == i {
		r.reverting = -1
	}
}

// requestRevert queues s after it completed phrase. Progress made earlier in
// this step by other sequences is rolled back, and every other sequence that
// is still tracking is paused on its current history until the host comes
// back to the same point.
func (m *Mechanism) requestRevert(s *sequenceState, phrase, token int, res *StepResult) {
	delete(m.advanced, s.index)
	for j, p := range m.advanced {
		m.seqs[j].restore(p)
	}
	clear(m.advanced)

	s.status = StatusPendingRevert
	s.matches = nil
	s.pauseHistory = nil
	m.rev.queue = append(m.rev.queue, s.index)

	ev := newEvent(EventCompleted, s.index, res.Timestep)
	ev.Phrase = phrase
	ev.Token = token
	m.emit(ev)

	for _, o := range m.seqs {
		if o == s || o.status != StatusTracking {
			continue
		}
		o.status = StatusPaused
		o.pauseHistory = slices.Clone(res.History[o.index])
		m.emit(newEvent(EventPaused, o.index, res.Timestep))
	}
}

// maybeApplyRevert runs the gate for the queue head. When it passes, the
// whole batch is rewound to the head's snapshot timestep and the head's
// emitted token is replaced by the next candidate in its snapshot ranking.
func (m *Mechanism) maybeApplyRevert(res *StepResult) bool {
	head := m.rev.queue[0]
	s := m.seqs[head]
	snap := s.detected
	t0 := snap.timestep()

	// The host has not yet reached the point the phrase started at, which
	// only happens if it rewound on its own.
	if res.Timestep < t0 {
		return false
	}

	if draw := m.rev.rng.Float64(); !(draw < m.rev.epsilon) {
		m.emit(newEvent(EventGateSkipped, head, res.Timestep))
		return false
	}

	offset := 1
	if e, ok := s.replay.lookup(t0); ok {
		offset = e.nextOffset
	}
	token, used, exhausted := pickCandidate(snap.ranking(), snap.token, offset)
	if exhausted {
		ev := newEvent(EventCandidatesExhausted, head, t0)
		ev.Offset = used
		ev.Token = token
		ev.Err = ErrCandidatesExhausted
		m.emit(ev)
	}

	if res.Timestep > t0 {
		for j, row := range res.History {
			res.Emitted[j] = row[t0]
			res.History[j] = row[:t0:t0]
			res.Overridden[j] = true
		}
		res.Rewound = true
	}
	res.Timestep = t0
	res.History[head] = slices.Clone(snap.history)
	res.Emitted[head] = token
	res.Overridden[head] = true
	res.Reverted = head

	s.replay.dropAfter(t0)
	s.replay.record(t0, replayEntry{token: token, history: snap.history, nextOffset: used + 1, exhausted: exhausted})
	s.status = StatusReverting
	m.rev.reverting = head

	ev := newEvent(EventReverted, head, t0)
	ev.Token = token
	ev.Offset = used
	m.emit(ev)
	return true
}

// advanceReverting finishes the in-flight reversion once the host has moved
// one token past the corrected timestep. That accepted continuation is
// recorded so a later rewind reproduces it.
func (m *Mechanism) advanceReverting(res *StepResult) {
	i := m.rev.reverting
	s := m.seqs[i]
	t0 := s.detected.timestep()
	if res.Timestep <= t0 {
		return
	}

	if res.Timestep == t0+1 {
		if _, ok := s.replay.lookup(res.Timestep); !ok {
			s.replay.record(res.Timestep, replayEntry{
				token:      res.Emitted[i],
				history:    res.History[i],
				nextOffset: 1,
			})
		}
	}

	snap := s.detected
	m.rev.remove(i)
	s.toIdle()
	m.emit(newEvent(EventRevertFinished, i, res.Timestep))

	// The substituted token was never seen by the detector, since the
	// sequence was reverting at that timestep. If it starts a phrase itself,
	// begin tracking from the corrected point. An exhausted correction is
	// accepted as is, otherwise the same phrase would be queued forever.
	if e, ok := s.replay.lookup(t0); ok && !e.exhausted {
		if !m.detectAt(s, &snapshot{history: snap.history, rankings: snap.rankings, seq: i, token: e.token}, res) {
			// The match began at an earlier timestep. Rolling back this
			// step must not undo it.
			delete(m.advanced, i)
		}
	}
}

// pickCandidate returns ranking[offset], saturating at the last candidate.
// An empty ranking leaves the original token in place.
func pickCandidate(ranking []int, original, offset int) (token, used int, exhausted bool) {
	if len(ranking) == 0 {
		return original, 0, true
	}
	if offset >= len(ranking) {
		return ranking[len(ranking)-1], len(ranking) - 1, true
	}
	return ranking[offset], offset, false
}
