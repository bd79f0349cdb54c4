// Package score computes the final score breakdown for a completed run.
package score

import "math"

const (
	// Runs finishing under five minutes earn the speed bonus.
	speedBonusCutoffMS = 300000
	speedBonusPoints   = 10

	// Each commit beyond the budget costs two points.
	commitBudget      = 20
	perCommitPenalty  = 2
	maxAccuracyPoints = 100
)

// Score is the breakdown produced for a terminal run. Immutable once
// computed.
type Score struct {
	BaseScore         int     `json:"base_score"`
	AccuracyRate      float64 `json:"accuracy_rate"`
	SpeedBonus        int     `json:"speed_bonus"`
	EfficiencyPenalty int     `json:"efficiency_penalty"`
	FinalScore        int     `json:"final_score"`
}

// Calculate derives the score from a run's accumulated metrics: detected is
// the number of issues found, applied the number resolved, elapsedMS the
// wall-clock duration, and commits the number of commits created.
//
// Accuracy is applied/detected, clamped to 1.0; a run that detected nothing
// scores full accuracy regardless of reported fixes. Pure and deterministic.
func Calculate(detected, applied int, elapsedMS int64, commits int) Score {
	accuracy := 1.0
	if detected > 0 {
		accuracy = float64(applied) / float64(detected)
	}
	if accuracy > 1.0 {
		accuracy = 1.0
	}
	if accuracy < 0 {
		accuracy = 0
	}

	base := int(math.Round(maxAccuracyPoints * accuracy))

	speedBonus := 0
	if elapsedMS < speedBonusCutoffMS {
		speedBonus = speedBonusPoints
	}

	penalty := 0
	if commits > commitBudget {
		penalty = perCommitPenalty * (commits - commitBudget)
	}

	final := base + speedBonus - penalty
	if final < 0 {
		final = 0
	}

	return Score{
		BaseScore:         base,
		AccuracyRate:      accuracy,
		SpeedBonus:        speedBonus,
		EfficiencyPenalty: penalty,
		FinalScore:        final,
	}
}
