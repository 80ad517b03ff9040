package banned

import "slices"

// Status is the lifecycle state of one sequence in the batch.
type Status int

const (
	StatusIdle Status = iota
	StatusTracking
	StatusPendingRevert
	StatusReverting
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusTracking:
		return "tracking"
	case StatusPendingRevert:
		return "pending_revert"
	case StatusReverting:
		return "reverting"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// match is one phrase in progress for a sequence.
type match struct {
	phrase  int
	matched int
}

// snapshot is what the detector saw when a phrase's first token was emitted.
// history is the row before that token, so len(history) is the timestep the
// reverter rewinds to. rankings holds every row's ranking from that step and
// is shared by all snapshots taken in it.
type snapshot struct {
	history  []int
	rankings [][]int
	seq      int
	token    int
}

func (s *snapshot) ranking() []int { return s.rankings[s.seq] }

func (s *snapshot) timestep() int { return len(s.history) }

type sequenceState struct {
	index    int
	status   Status
	matches  []match
	detected *snapshot
	replay   replayCache

	// pauseHistory is the row as it was when the sequence was paused.
	// Tracking resumes once the host presents the same row again.
	pauseHistory []int

	// priority orders tracking sequences; lower entered tracking first.
	priority uint64

	finished bool
}

func newSequenceState(index int) *sequenceState {
	return &sequenceState{
		index:  index,
		status: StatusIdle,
		replay: make(replayCache),
	}
}

func (s *sequenceState) toIdle() {
	s.status = StatusIdle
	s.matches = nil
	s.detected = nil
	s.pauseHistory = nil
}

// progress is a copy of tracking state taken before a sequence is touched in
// the current step, so the step's progress can be rolled back.
type progress struct {
	status   Status
	matches  []match
	detected *snapshot
	priority uint64
}

func (s *sequenceState) progress() progress {
	return progress{
		status:   s.status,
		matches:  slices.Clone(s.matches),
		detected: s.detected,
		priority: s.priority,
	}
}

func (s *sequenceState) restore(p progress) {
	s.status = p.status
	s.matches = p.matches
	s.detected = p.detected
	s.priority = p.priority
}

// MatchView describes a partial match for inspection.
type MatchView struct {
	Phrase  int
	Matched int
}

// SequenceView is a read-only copy of one sequence's state.
type SequenceView struct {
	Index            int
	Status           Status
	Matches          []MatchView
	SnapshotTimestep int
	PauseTimestep    int
	ReplayTimesteps  []int
	Finished         bool
}

func (s *sequenceState) view() SequenceView {
	v := SequenceView{
		Index:            s.index,
		Status:           s.status,
		SnapshotTimestep: -1,
		PauseTimestep:    -1,
		ReplayTimesteps:  s.replay.timesteps(),
		Finished:         s.finished,
	}
	for _, m := range s.matches {
		v.Matches = append(v.Matches, MatchView{Phrase: m.phrase, Matched: m.matched})
	}
	if s.detected != nil {
		v.SnapshotTimestep = s.detected.timestep()
	}
	if s.status == StatusPaused {
		v.PauseTimestep = len(s.pauseHistory)
	}
	return v
}
