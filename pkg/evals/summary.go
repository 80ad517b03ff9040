package evals

import (
	"slices"
	"time"
)

// passKs are the k values reported for pass@k and pass^k.
var passKs = []int{1, 3, 5, 10}

// tally accumulates pass counts and scores.
type tally struct {
	runs   int
	passed int
	score  float64
}

func (t *tally) add(passed bool, score float64) {
	t.runs++
	t.score += score
	if passed {
		t.passed++
	}
}

func (t *tally) rate() float64 {
	if t.runs == 0 {
		return 0
	}
	return float64(t.passed) / float64(t.runs)
}

func (t *tally) avg() float64 {
	if t.runs == 0 {
		return 0
	}
	return t.score / float64(t.runs)
}

// summarize aggregates trials, which must be in trial order within a task.
func summarize(suite *Suite, trials []*Trial, perTask int) *RunSummary {
	s := &RunSummary{
		ByGraderType: make(map[GraderType]GraderStats),
		ByTag:        make(map[string]TagStats),
		PassAtK:      make(map[int]float64),
		PassPowerK:   make(map[int]float64),
	}
	if len(trials) == 0 {
		return s
	}

	byTask := make(map[string][]*Trial)
	var all tally
	var steps, reversions int
	var latency time.Duration
	graders := make(map[GraderType]*tally)

	for _, t := range trials {
		byTask[t.TaskID] = append(byTask[t.TaskID], t)
		all.add(t.Passed, t.Score)
		switch {
		case t.Passed:
			s.PassedTrials++
		case t.Error != "":
			s.ErrorTrials++
		default:
			s.FailedTrials++
		}
		if m := t.Metrics; m != nil {
			steps += m.Steps
			reversions += m.Reversions
			latency += m.Latency
		}
		for _, gr := range t.GradeResults {
			g := graders[gr.GraderType]
			if g == nil {
				g = &tally{}
				graders[gr.GraderType] = g
			}
			g.add(gr.Passed, gr.Score)
		}
	}

	n := len(trials)
	s.TotalTasks = len(byTask)
	s.TotalTrials = n
	s.OverallPassRate = all.rate()
	s.AvgScore = all.avg()
	s.AvgSteps = float64(steps) / float64(n)
	s.AvgReversions = float64(reversions) / float64(n)
	s.AvgLatency = latency / time.Duration(n)

	for typ, g := range graders {
		s.ByGraderType[typ] = GraderStats{
			TotalRuns: g.runs,
			Passed:    g.passed,
			Failed:    g.runs - g.passed,
			PassRate:  g.rate(),
			AvgScore:  g.avg(),
		}
	}

	for _, k := range passKs {
		if k > perTask {
			break
		}
		s.PassAtK[k] = passAtK(byTask, k)
		s.PassPowerK[k] = passPowerK(byTask, k)
	}

	if suite != nil {
		tags := make(map[string]*tally)
		tasks := make(map[string]int)
		for _, task := range suite.Tasks {
			ts := byTask[task.ID]
			if len(ts) == 0 {
				continue
			}
			for _, tag := range task.Tags {
				tl := tags[tag]
				if tl == nil {
					tl = &tally{}
					tags[tag] = tl
				}
				tasks[tag]++
				for _, t := range ts {
					tl.add(t.Passed, t.Score)
				}
			}
		}
		for tag, tl := range tags {
			s.ByTag[tag] = TagStats{
				TotalTasks:  tasks[tag],
				TotalTrials: tl.runs,
				Passed:      tl.passed,
				PassRate:    tl.rate(),
				AvgScore:    tl.avg(),
			}
		}
	}
	return s
}

func trialPassed(t *Trial) bool { return t.Passed }
func trialFailed(t *Trial) bool { return !t.Passed }

// passAtK is the fraction of tasks with a pass among their first k trials.
func passAtK(byTask map[string][]*Trial, k int) float64 {
	return taskFraction(byTask, k, func(ts []*Trial) bool {
		return slices.ContainsFunc(ts, trialPassed)
	})
}

// passPowerK is the fraction of tasks whose first k trials all passed.
func passPowerK(byTask map[string][]*Trial, k int) float64 {
	return taskFraction(byTask, k, func(ts []*Trial) bool {
		return !slices.ContainsFunc(ts, trialFailed)
	})
}

// taskFraction counts tasks whose first k trials satisfy ok. Tasks with
// fewer than k trials count as misses.
func taskFraction(byTask map[string][]*Trial, k int, ok func([]*Trial) bool) float64 {
	if len(byTask) == 0 {
		return 0
	}
	hits := 0
	for _, ts := range byTask {
		if len(ts) >= k && ok(ts[:k]) {
			hits++
		}
	}
	return float64(hits) / float64(len(byTask))
}
