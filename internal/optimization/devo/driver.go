package devo

import (
	"context"

	"github.com/copyleftdev/gridsweep/internal/optimization"
)

// RunSequential drives the optimizer to convergence with a synchronous
// objective. The objective may still fan out work internally (e.g. one task
// per candidate vector); the driver only requires that it returns one value
// per population row.
func RunSequential(ctx context.Context, de *DifferentialEvolution,
	target optimization.BatchObjective) (*optimization.Result, error) {

	pop := de.DrawInitialPopulation()
	for {
		if err := ctx.Err(); err != nil {
			return de.Result(), err
		}

		vals, err := target(pop)
		if err != nil {
			return de.Result(), optimization.WrapError(err, "evaluate", "objective failed")
		}
		if err := de.Update(pop, vals); err != nil {
			return de.Result(), err
		}
		if de.HasConverged() {
			return de.Result(), nil
		}

		pop, err = de.Evolve()
		if err != nil {
			return de.Result(), err
		}
	}
}
