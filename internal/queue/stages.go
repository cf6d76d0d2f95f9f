package queue

import "math"

// newStages builds a pending stage list from names. Duplicate names are
// dropped, keeping the first occurrence.
func newStages(names []string) []Stage {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]Stage, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, Stage{Name: n, Status: StatusPending})
	}
	return out
}

// RollUpProgress derives a job's overall progress as the rounded arithmetic
// mean of its stage progresses; 0 with no stages.
func RollUpProgress(stages []Stage) int {
	if len(stages) == 0 {
		return 0
	}
	sum := 0
	for _, s := range stages {
		sum += s.Progress
	}
	return int(math.Round(float64(sum) / float64(len(stages))))
}

// CurrentStageIndex derives the job's active position in its stage list: the
// first processing stage, otherwise the count of completed stages.
func CurrentStageIndex(stages []Stage) int {
	for i, s := range stages {
		if s.Status == StatusProcessing {
			return i
		}
	}
	done := 0
	for _, s := range stages {
		if s.Status == StatusCompleted {
			done++
		}
	}
	return done
}

func stageIndex(stages []Stage, name string) int {
	for i := range stages {
		if stages[i].Name == name {
			return i
		}
	}
	return -1
}
