package banned

import (
	"slices"
	"sort"
)

// replayEntry is an applied correction for one timestep.
type replayEntry struct {
	token      int
	history    []int
	nextOffset int
	// exhausted marks a correction that ran out of candidates.
	exhausted bool
}

// replayCache maps timestep to the correction applied there. Entries only
// go away when the sequence is corrected at an earlier timestep, since
// everything recorded after that point belongs to a continuation that no
// longer exists.
type replayCache map[int]replayEntry

func (c replayCache) lookup(timestep int) (replayEntry, bool) {
	e, ok := c[timestep]
	return e, ok
}

// record stores an entry. A timestep is overwritten only when a later
// correction at the same point walks further down the ranking.
func (c replayCache) record(timestep int, e replayEntry) {
	e.history = slices.Clone(e.history)
	c[timestep] = e
}

// dropAfter removes every entry past timestep.
func (c replayCache) dropAfter(timestep int) {
	for t := range c {
		if t > timestep {
			delete(c, t)
		}
	}
}

func (c replayCache) timesteps() []int {
	if len(c) == 0 {
		return nil
	}
	out := make([]int, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// applyReplay substitutes recorded corrections into res for every unfinished
// sequence that has an entry at the current timestep. skip excludes one
// sequence, used right after a rewind for the row the rewind already set.
func (m *Mechanism) applyReplay(res *StepResult, skip int) {
	t := res.Timestep
	for i, s := range m.seqs {
		if i == skip || s.finished {
			continue
		}
		e, ok := s.replay.lookup(t)
		if !ok {
			continue
		}
		if res.Emitted[i] == e.token && slices.Equal(res.History[i], e.history) {
			continue
		}
		res.History[i] = slices.Clone(e.history)
		res.Emitted[i] = e.token
		res.Overridden[i] = true

		ev := newEvent(EventReplayed, i, t)
		ev.Token = e.token
		m.emit(ev)
	}
}
