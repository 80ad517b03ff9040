// Package evals runs suites of scripted generation tasks through the banned
// phrase mechanism and grades the output: whether any phrase survived, whether
// the text matches what was expected, and how many reversions it took.
package evals

import (
	"time"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/generate"
)

// GraderType names a grader in suite files.
type GraderType string

const (
	GraderTypeNoBanned      GraderType = "no_banned"
	GraderTypeExactOutput   GraderType = "exact_output"
	GraderTypeMaxReversions GraderType = "max_reversions"
	GraderTypeEventCount    GraderType = "event_count"
)

// Trial statuses passed to a ProgressFunc.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Suite is a named list of tasks, usually loaded with LoadSuite.
type Suite struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Version     string `yaml:"version" json:"version"`
	Tasks       []Task `yaml:"tasks" json:"tasks"`
}

// Task is one scripted generation and the graders that judge it.
type Task struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Input       TaskInput      `yaml:"input" json:"input"`
	Graders     []GraderConfig `yaml:"graders" json:"graders"`
}

// TaskInput describes the batch to generate. The run command reads the same
// shape from a task file.
type TaskInput struct {
	Phrases [][]int `yaml:"phrases" json:"phrases"`
	// Epsilon defaults to 1 when omitted.
	Epsilon   *float64               `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Prompts   [][]int                `yaml:"prompts" json:"prompts"`
	Model     generate.ScriptedModel `yaml:"model" json:"model"`
	MaxLength int                    `yaml:"max_length" json:"max_length"`
	EOS       int                    `yaml:"eos" json:"eos"`
	// Preset names a sampler preset; greedy when empty.
	Preset string `yaml:"preset,omitempty" json:"preset,omitempty"`
}

// GraderConfig attaches a grader to a task. A required grader must pass for
// the trial to pass; Weight scales its share of the trial score and
// defaults to 1.
type GraderConfig struct {
	Type     GraderType     `yaml:"type" json:"type"`
	Required bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Weight   float64        `yaml:"weight,omitempty" json:"weight,omitempty"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// EvalConfig controls how a suite is run.
type EvalConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// SaveEvents writes each trial's events under OutputDir/events/<run id>.
	SaveEvents    bool `yaml:"save_events" json:"save_events"`
	Concurrency   int  `yaml:"concurrency" json:"concurrency"`
	TrialsPerTask int  `yaml:"trials_per_task" json:"trials_per_task"`
	// Seed is the base gate seed. Trial n of every task uses Seed+n.
	Seed uint64 `yaml:"seed" json:"seed"`
	// Timeout bounds one trial, e.g. "30s". Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Trial is one generation of a task with its grades.
type Trial struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	TrialNumber  int            `json:"trial_number"`
	Seed         uint64         `json:"seed"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Outcome      *Outcome       `json:"outcome"`
	Events       []banned.Event `json:"events,omitempty"`
	Metrics      *TrialMetrics  `json:"metrics"`
	GradeResults []*GradeResult `json:"grade_results"`
	Passed       bool           `json:"passed"`
	Score        float64        `json:"score"`
	Error        string         `json:"error,omitempty"`
}

// Outcome is what a trial generated.
type Outcome struct {
	// Generated holds each sequence's tokens after its prompt.
	Generated [][]int `json:"generated"`
	// ExitReason is completed, error or timeout.
	ExitReason string `json:"exit_reason"`
}

// TrialMetrics counts what the mechanism did during a trial.
type TrialMetrics struct {
	Steps       int           `json:"steps"`
	Reversions  int           `json:"reversions"`
	Detections  int           `json:"detections"`
	Completions int           `json:"completions"`
	Exhausted   int           `json:"exhausted"`
	Latency     time.Duration `json:"latency"`
}

// GradeResult is one grader's verdict. Score is in [0, 1].
type GradeResult struct {
	GraderType GraderType     `json:"grader_type"`
	Passed     bool           `json:"passed"`
	Score      float64        `json:"score"`
	Feedback   string         `json:"feedback"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// EvalRun is a finished suite run.
type EvalRun struct {
	ID          string      `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	Config      *EvalConfig `json:"config"`
	Suite       *Suite      `json:"suite"`
	Trials      []*Trial    `json:"trials"`
	Summary     *RunSummary `json:"summary"`
}

// RunSummary aggregates a run. PassAtK[k] is the fraction of tasks with a
// pass among their first k trials; PassPowerK[k] the fraction whose first k
// trials all passed. Only k up to the trials per task are present.
type RunSummary struct {
	TotalTasks      int                        `json:"total_tasks"`
	TotalTrials     int                        `json:"total_trials"`
	PassedTrials    int                        `json:"passed_trials"`
	FailedTrials    int                        `json:"failed_trials"`
	ErrorTrials     int                        `json:"error_trials"`
	OverallPassRate float64                    `json:"overall_pass_rate"`
	PassAtK         map[int]float64            `json:"pass_at_k"`
	PassPowerK      map[int]float64            `json:"pass_power_k"`
	AvgScore        float64                    `json:"avg_score"`
	AvgSteps        float64                    `json:"avg_steps"`
	AvgReversions   float64                    `json:"avg_reversions"`
	AvgLatency      time.Duration              `json:"avg_latency"`
	ByGraderType    map[GraderType]GraderStats `json:"by_grader_type"`
	ByTag           map[string]TagStats        `json:"by_tag,omitempty"`
}

// GraderStats summarises every result of one grader type.
type GraderStats struct {
	TotalRuns int     `json:"total_runs"`
	Passed    int     `json:"passed"`
	Failed    int     `json:"failed"`
	PassRate  float64 `json:"pass_rate"`
	AvgScore  float64 `json:"avg_score"`
}

// TagStats summarises the trials of every task carrying a tag.
type TagStats struct {
	TotalTasks  int     `json:"total_tasks"`
	TotalTrials int     `json:"total_trials"`
	Passed      int     `json:"passed"`
	PassRate    float64 `json:"pass_rate"`
	AvgScore    float64 `json:"avg_score"`
}
