package banned

// EventKind names a state transition of the mechanism.
type EventKind string

const (
	EventDetected            EventKind = "detected"
	EventCompleted           EventKind = "completed"
	EventPaused              EventKind = "paused"
	EventResumed             EventKind = "resumed"
	EventDropped             EventKind = "dropped"
	EventReleased            EventKind = "released"
	EventGateSkipped         EventKind = "gate_skipped"
	EventReverted            EventKind = "reverted"
	EventRevertFinished      EventKind = "revert_finished"
	EventReplayed            EventKind = "replayed"
	EventCandidatesExhausted EventKind = "candidates_exhausted"
	EventFinished            EventKind = "finished"
)

// Event is emitted to observers on every state transition.
// Phrase, Token and Offset are -1 when not meaningful for the kind.
type Event struct {
	Kind     EventKind `json:"kind"`
	Sequence int       `json:"sequence"`
	Timestep int       `json:"timestep"`
	Phrase   int       `json:"phrase"`
	Token    int       `json:"token"`
	Offset   int       `json:"offset"`
	Err      error     `json:"-"`
}

// Observer receives mechanism events synchronously from Process.
// Implementations must not call back into the Mechanism.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

func newEvent(kind EventKind, seq, timestep int) Event {
	return Event{Kind: kind, Sequence: seq, Timestep: timestep, Phrase: -1, Token: -1, Offset: -1}
}
