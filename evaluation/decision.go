package evaluation

import "github.com/BaSui01/agentroom/types"

// Decision is what the pipeline does after an evaluation round.
type Decision string

const (
	DecisionComplete Decision = "complete"
	DecisionRevise   Decision = "revise"
	DecisionFail     Decision = "fail"
)

// rateEpsilon absorbs float error in approved/counted comparisons.
const rateEpsilon = 1e-9

// ApprovalRate is approved / completed over evaluations that completed.
// Failed and open evaluations are not counted.
func ApprovalRate(evals []*types.Evaluation) (rate float64, approved, counted int) {
	for _, e := range evals {
		if e.Status != types.EvaluationCompleted {
			continue
		}
		counted++
		if e.IsApproved {
			approved++
		}
	}
	if counted == 0 {
		return 0, 0, 0
	}
	return float64(approved) / float64(counted), approved, counted
}

// Decide maps an approval rate to the next pipeline move. canRetry reports
// whether the task still has revision budget.
func Decide(rate, threshold float64, canRetry bool) Decision {
	if rate+rateEpsilon >= threshold {
		return DecisionComplete
	}
	if canRetry {
		return DecisionRevise
	}
	return DecisionFail
}
