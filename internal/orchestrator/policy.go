package orchestrator

// StopPolicy decides after Verify whether another iteration runs. The
// orchestrator enforces the iteration ceiling regardless of the policy.
type StopPolicy interface {
	ShouldContinue(st *State) bool
}

// StopPolicyFunc adapts a function to StopPolicy.
type StopPolicyFunc func(st *State) bool

func (f StopPolicyFunc) ShouldContinue(st *State) bool { return f(st) }

// ScorecardPolicy continues while the latest scorecard asks for more
// research, including a stop forced by the iteration ceiling.
type ScorecardPolicy struct{}

func (ScorecardPolicy) ShouldContinue(st *State) bool {
	return st.Scorecard != nil && (!st.Scorecard.Stop || st.Scorecard.LimitReached)
}

// ConfidencePolicy continues until the self-assessed confidence reaches
// MinConfidence, ignoring the scorecard's stop flag.
type ConfidencePolicy struct {
	MinConfidence float64
}

func (p ConfidencePolicy) ShouldContinue(st *State) bool {
	if st.Scorecard == nil {
		return false
	}
	return st.Scorecard.Confidence < p.MinConfidence
}

// shouldContinue applies policy under the iteration ceiling.
func shouldContinue(policy StopPolicy, st *State) bool {
	if st.IterationCount >= st.MaxIterations {
		return false
	}
	return policy.ShouldContinue(st)
}
