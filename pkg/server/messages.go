package server

import (
	"github.com/soypete/phraseguard/pkg/banned"
)

// Message types sent by clients.
const (
	TypeOpen   = "open"
	TypeStep   = "step"
	TypeFinish = "finish"
	TypeState  = "state"
	TypeReset  = "reset"
	TypeClose  = "close"
)

// Reply types sent by the server.
const (
	TypeOpened   = "opened"
	TypeResult   = "result"
	TypeFinished = "finished"
	TypeStates   = "states"
	TypeClosed   = "closed"
	TypeError    = "error"
)

// Request is a client message. Which fields apply depends on Type.
type Request struct {
	Type string `json:"type"`

	// open
	Label   string   `json:"label,omitempty"`
	Phrases [][]int  `json:"phrases,omitempty"`
	Epsilon *float64 `json:"epsilon,omitempty"`
	Batch   int      `json:"batch,omitempty"`
	Seed    *uint64  `json:"seed,omitempty"`

	// step
	History [][]int `json:"history,omitempty"`
	Emitted []int   `json:"emitted,omitempty"`
	Ranking [][]int `json:"ranking,omitempty"`

	// finish
	Sequence *int `json:"sequence,omitempty"`
}

// Reply is a server message.
type Reply struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	Result *StepReply      `json:"result,omitempty"`
	Events []banned.Event  `json:"events,omitempty"`
	Queue  []int           `json:"queue,omitempty"`
	States []SequenceState `json:"states,omitempty"`

	Error string `json:"error,omitempty"`
}

// StepReply is the history and emitted tokens the client must adopt.
type StepReply struct {
	History    [][]int `json:"history"`
	Emitted    []int   `json:"emitted"`
	Overridden []bool  `json:"overridden"`
	Timestep   int     `json:"timestep"`
	Rewound    bool    `json:"rewound"`
	Reverted   int     `json:"reverted"`
}

// SequenceState is the wire form of banned.SequenceView.
type SequenceState struct {
	Index            int    `json:"index"`
	Status           string `json:"status"`
	SnapshotTimestep int    `json:"snapshot_timestep"`
	PauseTimestep    int    `json:"pause_timestep"`
	ReplayTimesteps  []int  `json:"replay_timesteps,omitempty"`
	Finished         bool   `json:"finished"`
}

func stepReply(res *banned.StepResult) *StepReply {
	return &StepReply{
		History:    res.History,
		Emitted:    res.Emitted,
		Overridden: res.Overridden,
		Timestep:   res.Timestep,
		Rewound:    res.Rewound,
		Reverted:   res.Reverted,
	}
}

func sequenceStates(views []banned.SequenceView) []SequenceState {
	out := make([]SequenceState, len(views))
	for i, v := range views {
		out[i] = SequenceState{
			Index:            v.Index,
			Status:           v.Status.String(),
			SnapshotTimestep: v.SnapshotTimestep,
			PauseTimestep:    v.PauseTimestep,
			ReplayTimesteps:  v.ReplayTimesteps,
			Finished:         v.Finished,
		}
	}
	return out
}
