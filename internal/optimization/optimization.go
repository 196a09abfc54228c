// Package optimization defines the shared types consumed by optimization
// algorithms and their drivers.
package optimization

import (
	"gonum.org/v1/gonum/mat"
)

// BatchObjective evaluates a population (rows of pop) and returns one
// objective value per row. Implementations may evaluate in-process or
// dispatch each row as an external job.
type BatchObjective func(pop *mat.Dense) ([]float64, error)

// Constraint reports whether a single candidate vector is feasible.
type Constraint func(x []float64) bool

// Solution is one point in parameter space together with its value.
type Solution struct {
	Parameters []float64
	Value      float64
}

// Result is the outcome of an optimization run.
type Result struct {
	Best        *Solution
	Iterations  int
	Evaluations int
	Converged   bool
}

// FilterPopulation applies a per-vector constraint to every row of pop and
// returns one feasibility flag per row. A nil constraint accepts everything.
func FilterPopulation(pop *mat.Dense, feasible Constraint) []bool {
	n, _ := pop.Dims()
	ok := make([]bool, n)
	if feasible == nil {
		for i := range ok {
			ok[i] = true
		}
		return ok
	}
	for i := 0; i < n; i++ {
		ok[i] = feasible(pop.RawRowView(i))
	}
	return ok
}
