package refine

// Tripped reports whether a refinement session destroyed too much core
// memory. The breaker fires when post-session mass falls strictly below
// threshold * pre-session mass. A zero or negative baseline never trips:
// with nothing to protect there is nothing to lose.
func Tripped(preMass, postMass int, threshold float64) bool {
	if preMass <= 0 {
		return false
	}
	return float64(postMass)/float64(preMass) < threshold
}
