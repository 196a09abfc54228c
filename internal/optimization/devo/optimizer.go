// Package devo implements the Differential Evolution optimizer.
//
// The optimizer is deliberately split into separately callable steps (draw,
// evolve, update, convergence check) so an external scheduler can interleave
// objective evaluation with other work, e.g. submitting every candidate
// vector as a task. RunSequential drives the same steps in a tight loop for
// in-process objectives.
package devo

import (
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/gridsweep/internal/logging"
	"github.com/copyleftdev/gridsweep/internal/optimization"
)

const (
	// resampleAttemptsPerMember bounds redraws of a single infeasible
	// member during the initial draw. Exhaustion leaves the infeasible
	// point in place (soft degradation).
	resampleAttemptsPerMember = 100
	// maxReevolveBatches bounds the offspring batches generated while
	// refilling a population from feasible offspring. Exhaustion is fatal.
	maxReevolveBatches = 100
)

// Config parametrizes a DifferentialEvolution optimizer.
type Config struct {
	// LowerBounds and UpperBounds delimit the initial draw per dimension.
	// They are not enforced during evolution; encode hard bounds in the
	// Feasible constraint if descendants must stay inside.
	LowerBounds []float64
	UpperBounds []float64

	// PopSize is the number of candidate vectors per generation.
	// Values below 5 are tolerated with a warning; the combination rules
	// need at least four distinct partners plus the member itself.
	PopSize int

	// StepSize is the differential weight F, typically in [0, 2].
	StepSize float64
	// CrossoverProb is the crossover probability CR in [0, 1].
	// Out-of-range values are clamped to 0.5 with a warning.
	CrossoverProb float64
	// Strategy selects the combination rule. Defaults to Rand.
	Strategy Strategy
	// ExponentialCrossover switches the Bernoulli mask for a contiguous
	// rotated block per member.
	ExponentialCrossover bool

	// MaxIterations stops the optimization after this many generations.
	MaxIterations int
	// TargetValue declares convergence once the best value drops below
	// it. Nil disables the check.
	TargetValue *float64
	// ConvergenceTol declares convergence once every member lies within
	// this distance of member 0 in every dimension. Nil disables the
	// check.
	ConvergenceTol *float64

	// Feasible rejects infeasible candidates. Nil accepts everything.
	Feasible optimization.Constraint

	// OnGeneration, when set, runs after every Update with the completed
	// iteration number and a copy of the best solution so far. Useful for
	// per-generation progress reporting or checkpointing.
	OnGeneration func(iteration int, best *optimization.Solution)

	// Seed initializes the optimizer's private random number generator.
	// Zero seeds from the clock.
	Seed int64

	Logger *logging.Logger
}

// DifferentialEvolution evolves a population of candidate vectors toward a
// minimum of an externally evaluated objective. Methods must not be called
// concurrently.
type DifferentialEvolution struct {
	cfg    Config
	dim    int
	rng    *rand.Rand
	logger *logging.Logger

	pop  *mat.Dense
	vals []float64

	bestX    []float64
	bestY    float64
	genBestX []float64 // perturbation anchor, frozen once per generation

	iter      int // -1 until the first Update
	evals     int
	converged bool
}

// New validates cfg and creates an optimizer in the uninitialized state.
func New(cfg Config) (*DifferentialEvolution, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	logger := cfg.Logger.WithField("component", "devo")

	if len(cfg.LowerBounds) == 0 {
		return nil, optimization.NewError("configure", "no parameter bounds given")
	}
	if len(cfg.LowerBounds) != len(cfg.UpperBounds) {
		return nil, optimization.NewErrorf("configure",
			"bounds length mismatch: %d lower vs %d upper",
			len(cfg.LowerBounds), len(cfg.UpperBounds))
	}
	for i := range cfg.LowerBounds {
		if cfg.LowerBounds[i] > cfg.UpperBounds[i] {
			return nil, optimization.NewErrorf("configure",
				"lower bound %g above upper bound %g in dimension %d",
				cfg.LowerBounds[i], cfg.UpperBounds[i], i)
		}
	}
	if cfg.Strategy == 0 {
		cfg.Strategy = Rand
	}
	if !cfg.Strategy.Valid() {
		return nil, optimization.NewErrorf("configure", "invalid strategy %d", int(cfg.Strategy))
	}
	if cfg.StepSize == 0 {
		cfg.StepSize = 0.85
	}
	if cfg.CrossoverProb < 0 || cfg.CrossoverProb > 1 {
		logger.Warn("crossover probability outside [0,1], using 0.5",
			logging.Fields{"crossover_prob": cfg.CrossoverProb})
		cfg.CrossoverProb = 0.5
	}
	if cfg.PopSize < 5 {
		logger.Warn("population size below 5; combination rules need at least 4 distinct partners",
			logging.Fields{"pop_size": cfg.PopSize})
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &DifferentialEvolution{
		cfg:    cfg,
		dim:    len(cfg.LowerBounds),
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
		iter:   -1,
	}, nil
}

// Iteration returns the number of completed generations, -1 before the
// initial population has been evaluated.
func (de *DifferentialEvolution) Iteration() int { return de.iter }

// Evaluations returns the number of objective evaluations consumed so far.
func (de *DifferentialEvolution) Evaluations() int { return de.evals }

// Best returns the best solution observed so far, or nil before the first
// Update.
func (de *DifferentialEvolution) Best() *optimization.Solution {
	if de.bestX == nil {
		return nil
	}
	return &optimization.Solution{
		Parameters: append([]float64(nil), de.bestX...),
		Value:      de.bestY,
	}
}

// Population returns the current population matrix. Callers must treat it
// as read-only.
func (de *DifferentialEvolution) Population() *mat.Dense { return de.pop }

// Values returns the objective values paired with Population rows.
func (de *DifferentialEvolution) Values() []float64 { return de.vals }

func (de *DifferentialEvolution) drawMember() []float64 {
	x := make([]float64, de.dim)
	for j := 0; j < de.dim; j++ {
		lo, hi := de.cfg.LowerBounds[j], de.cfg.UpperBounds[j]
		x[j] = lo + de.rng.Float64()*(hi-lo)
	}
	return x
}

// DrawInitialPopulation draws a uniform random population within the bounds
// and resamples infeasible members. The caller evaluates it and passes the
// result to Update.
func (de *DifferentialEvolution) DrawInitialPopulation() *mat.Dense {
	pop := mat.NewDense(de.cfg.PopSize, de.dim, nil)
	for i := 0; i < de.cfg.PopSize; i++ {
		pop.SetRow(i, de.drawMember())
	}
	de.resampleUntilFeasible(pop)
	return pop
}

// resampleUntilFeasible redraws each infeasible member, in place, up to
// popSize*resampleAttemptsPerMember times. A member that stays infeasible is
// left in place; the degradation is logged, not fatal.
func (de *DifferentialEvolution) resampleUntilFeasible(pop *mat.Dense) {
	if de.cfg.Feasible == nil {
		return
	}
	maxDraws := de.cfg.PopSize * resampleAttemptsPerMember
	n, _ := pop.Dims()
	for i := 0; i < n; i++ {
		draws := 0
		for !de.cfg.Feasible(pop.RawRowView(i)) && draws < maxDraws {
			pop.SetRow(i, de.drawMember())
			draws++
		}
		if draws >= maxDraws && !de.cfg.Feasible(pop.RawRowView(i)) {
			de.logger.Warn("could not sample a feasible member, keeping infeasible point",
				logging.Fields{"member": i, "draws": maxDraws})
		}
	}
}

// Evolve produces the next offspring population: one Evolve pass plus as
// many extra passes as needed to refill the population with feasible
// offspring. The caller evaluates the result and passes it to Update.
func (de *DifferentialEvolution) Evolve() (*mat.Dense, error) {
	if de.iter < 0 {
		return nil, optimization.NewError("evolve",
			"population not initialized; evaluate DrawInitialPopulation and call Update first")
	}
	return de.reevolveUntilFull()
}

// reevolveUntilFull accumulates feasible offspring across repeated evolution
// passes until a full population is available, then truncates to PopSize.
// The batch count is capped: a constraint configuration under which feasible
// offspring are this rare is a configuration error.
func (de *DifferentialEvolution) reevolveUntilFull() (*mat.Dense, error) {
	popSize := de.cfg.PopSize
	kept := make([][]float64, 0, popSize)

	for batch := 0; batch < maxReevolveBatches; batch++ {
		offspring := Evolve(de.pop, de.cfg.StepSize, de.cfg.CrossoverProb,
			de.genBestX, de.cfg.Strategy, de.cfg.ExponentialCrossover, de.rng)
		feasible := optimization.FilterPopulation(offspring, de.cfg.Feasible)
		for i, ok := range feasible {
			if ok {
				row := make([]float64, de.dim)
				copy(row, offspring.RawRowView(i))
				kept = append(kept, row)
			}
		}
		if len(kept) >= popSize {
			out := mat.NewDense(popSize, de.dim, nil)
			for i := 0; i < popSize; i++ {
				out.SetRow(i, kept[i])
			}
			return out, nil
		}
	}
	return nil, optimization.NewErrorf("evolve",
		"only %d of %d feasible offspring after %d batches; constraints too tight",
		len(kept), popSize, maxReevolveBatches)
}

// Update applies the evaluated population. For the initial generation it
// records the population as-is and locates the best member; afterwards it
// performs one-on-one survivor selection: the offspring replaces the parent
// at the same index only when its value is strictly lower.
func (de *DifferentialEvolution) Update(newPop *mat.Dense, newVals []float64) error {
	n, d := newPop.Dims()
	if n != de.cfg.PopSize || d != de.dim {
		return optimization.NewErrorf("update",
			"population shape %dx%d does not match configured %dx%d",
			n, d, de.cfg.PopSize, de.dim)
	}
	if len(newVals) != n {
		return optimization.NewErrorf("update",
			"got %d values for %d members", len(newVals), n)
	}

	if de.iter < 0 {
		de.pop = mat.DenseCopyOf(newPop)
		de.vals = append([]float64(nil), newVals...)

		bestIx := 0
		for k, v := range newVals {
			if v < newVals[bestIx] {
				bestIx = k
			}
		}
		de.bestY = newVals[bestIx]
		de.bestX = append([]float64(nil), de.pop.RawRowView(bestIx)...)
		de.genBestX = append([]float64(nil), de.bestX...)
		de.iter = 0
	} else {
		for k := 0; k < n; k++ {
			if newVals[k] < de.vals[k] {
				de.pop.SetRow(k, newPop.RawRowView(k))
				de.vals[k] = newVals[k]
				if newVals[k] < de.bestY {
					de.bestY = newVals[k]
					de.bestX = append(de.bestX[:0], newPop.RawRowView(k)...)
				}
			}
		}
		// Freeze the anchor for the strategies that perturb around the
		// best member of the previous generation.
		de.genBestX = append(de.genBestX[:0], de.bestX...)
		de.iter++
	}
	de.evals += n

	de.logger.Debug("generation updated", logging.Fields{
		"iteration": de.iter,
		"best_y":    de.bestY,
		"evals":     de.evals,
	})
	if de.cfg.OnGeneration != nil {
		de.cfg.OnGeneration(de.iter, de.Best())
	}
	de.checkConvergence()
	return nil
}

// checkConvergence latches the converged flag; once set it never clears.
func (de *DifferentialEvolution) checkConvergence() {
	if de.converged || de.iter < 0 {
		return
	}
	switch {
	case de.iter > de.cfg.MaxIterations:
		de.logger.Info("converged: iteration limit reached",
			logging.Fields{"iteration": de.iter})
		de.converged = true
	case de.cfg.TargetValue != nil && de.bestY < *de.cfg.TargetValue:
		de.logger.Info("converged: best value below target",
			logging.Fields{"best_y": de.bestY, "target": *de.cfg.TargetValue})
		de.converged = true
	case de.populationCollapsed():
		de.logger.Info("converged: population collapsed",
			logging.Fields{"iteration": de.iter})
		de.converged = true
	}
}

// populationCollapsed reports whether every member lies within the
// convergence tolerance of member 0 in every dimension.
func (de *DifferentialEvolution) populationCollapsed() bool {
	if de.cfg.ConvergenceTol == nil || de.pop == nil {
		return false
	}
	tol := *de.cfg.ConvergenceTol
	n, d := de.pop.Dims()
	ref := de.pop.RawRowView(0)
	for i := 1; i < n; i++ {
		row := de.pop.RawRowView(i)
		for j := 0; j < d; j++ {
			if math.Abs(row[j]-ref[j]) > tol {
				return false
			}
		}
	}
	return true
}

// HasConverged reports whether any convergence criterion has been met.
// Once true it stays true.
func (de *DifferentialEvolution) HasConverged() bool {
	de.checkConvergence()
	return de.converged
}

// Result summarizes the optimization state.
func (de *DifferentialEvolution) Result() *optimization.Result {
	return &optimization.Result{
		Best:        de.Best(),
		Iterations:  de.iter,
		Evaluations: de.evals,
		Converged:   de.converged,
	}
}
