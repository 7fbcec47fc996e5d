package trainer

// Schedule maps a global training step to the weight of the
// latent-regularization term at that step. Schedules are evaluated on the
// host every step and fed to the graph as an input, so changing a schedule
// never forces a graph recompile.
type Schedule interface {
	WeightAt(step int) float64
}

// Constant holds the weight fixed at its value for every step.
type Constant float64

// WeightAt implements Schedule.
func (c Constant) WeightAt(int) float64 { return float64(c) }

// LinearWarmup ramps the weight linearly from zero to Target over Steps
// steps, then holds it at Target. Letting the reconstruction terms settle
// before the prior is enforced at full strength avoids the early collapse of
// the latent space that a cold full-weight KL tends to cause.
type LinearWarmup struct {
	// Target is the weight reached at the end of the warmup.
	Target float64

	// Steps is the warmup length in steps. Zero or negative means no
	// warmup: Target applies from the first step.
	Steps int
}

// WeightAt implements Schedule.
func (l LinearWarmup) WeightAt(step int) float64 {
	if l.Steps <= 0 || step >= l.Steps {
		return l.Target
	}
	return l.Target * float64(step+1) / float64(l.Steps)
}
