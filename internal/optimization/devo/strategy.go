package devo

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Strategy selects the differential combination rule used to produce an
// offspring population.
type Strategy int

const (
	// Rand is DE/rand/1, the classical version of DE.
	Rand Strategy = iota + 1
	// LocalToBest balances robustness and fast convergence.
	LocalToBest
	// BestWithJitter is tailored for small populations and fast
	// convergence; dimensionality should not be too high.
	BestWithJitter
	// RandPerVectorDither is DE/rand/1 with a per-member scalar dither.
	RandPerVectorDither
	// RandPerGenerationDither is DE/rand/1 with one dither per generation.
	// A step size around 0.3 is a good start here.
	RandPerGenerationDither
	// EitherOr alternates between differential mutation and
	// three-point recombination.
	EitherOr
)

var strategyNames = map[Strategy]string{
	Rand:                    "rand",
	LocalToBest:             "local-to-best",
	BestWithJitter:          "best-with-jitter",
	RandPerVectorDither:     "rand-per-vector-dither",
	RandPerGenerationDither: "rand-per-generation-dither",
	EitherOr:                "either-or",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy resolves a strategy name as used in configuration.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown evolution strategy %q", name)
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// shuffled carries the rotated copies of the parent population that every
// combination rule draws from, together with the parents themselves and the
// best member of the previous generation broadcast to every row.
type shuffled struct {
	old *mat.Dense // parent population
	// Five independently rotated copies. The current rules read only the
	// first three; pm4 and pm5 keep the rotation chain available to rules
	// that pair more distinct members.
	pm1, pm2, pm3, pm4, pm5 *mat.Dense
	bm                      *mat.Dense // previous generation's best, one copy per row
}

// rotationOffsets returns the four offsets used to rotate the shuffled index
// arrays. Offsets are drawn as a permutation of {1..4}: an offset of 0 would
// produce no shuffling, so the +1 shift is required.
func rotationOffsets(rng *rand.Rand) [4]int {
	perm := rng.Perm(4)
	var out [4]int
	for i, p := range perm {
		out[i] = p + 1
	}
	return out
}

// gatherRows returns the matrix whose row i is pop's row idx[i].
func gatherRows(pop *mat.Dense, idx []int) *mat.Dense {
	n, d := pop.Dims()
	out := mat.NewDense(n, d, nil)
	for i, j := range idx {
		out.SetRow(i, pop.RawRowView(j))
	}
	return out
}

// shufflePopulation builds the rotated population copies. a1 is a random
// permutation of row indices; a2 and a3 are cyclic rotations of it so the
// three copies pair distinct members at every row.
func shufflePopulation(pop *mat.Dense, best []float64, rng *rand.Rand) shuffled {
	n, d := pop.Dims()
	offs := rotationOffsets(rng)

	a1 := rng.Perm(n)
	rotate := func(a []int, off int) []int {
		out := make([]int, n)
		for i := range out {
			out[i] = a[(i+off)%n]
		}
		return out
	}
	a2 := rotate(a1, offs[0])
	a3 := rotate(a2, offs[1])
	a4 := rotate(a3, offs[2])
	a5 := rotate(a4, offs[3])

	bm := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		bm.SetRow(i, best)
	}

	return shuffled{
		old: pop,
		pm1: gatherRows(pop, a1),
		pm2: gatherRows(pop, a2),
		pm3: gatherRows(pop, a3),
		pm4: gatherRows(pop, a4),
		pm5: gatherRows(pop, a5),
		bm:  bm,
	}
}

// crossoverMask draws the Bernoulli inheritance mask: true entries take the
// offspring value, false entries keep the parent's.
func crossoverMask(n, d int, cr float64, rng *rand.Rand) [][]bool {
	mask := make([][]bool, n)
	for i := range mask {
		mask[i] = make([]bool, d)
		for j := range mask[i] {
			mask[i][j] = rng.Float64() < cr
		}
	}
	return mask
}

// exponentialMask rearranges each member's mask into a contiguous rotated
// block, giving exponential instead of binomial crossover. A zero-length
// block leaves the member unchanged by crossover.
func exponentialMask(mask [][]bool, rng *rand.Rand) {
	for k := range mask {
		d := len(mask[k])
		inherited := 0
		for _, b := range mask[k] {
			if b {
				inherited++
			}
		}
		// Sorted column: false entries first, true entries in a block at
		// the end, then rotated by a random shift.
		sorted := make([]bool, d)
		for j := d - inherited; j < d; j++ {
			sorted[j] = true
		}
		n := int(math.Floor(rng.Float64() * float64(d)))
		if n > 0 {
			for j := 0; j < d; j++ {
				mask[k][j] = sorted[(j+n)%d]
			}
		} else {
			copy(mask[k], sorted)
		}
	}
}

// applyCrossover blends offspring ui with the parents under mask, in place.
func applyCrossover(ui, old *mat.Dense, mask [][]bool) {
	n, d := ui.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			if !mask[i][j] {
				ui.Set(i, j, old.At(i, j))
			}
		}
	}
}

// The combination rules. Each is a pure function of the shuffled tuple and
// the step size; randomness beyond the shuffle is drawn from rng.

func combineRand(s shuffled, f float64) *mat.Dense {
	n, d := s.old.Dims()
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			ui.Set(i, j, s.pm3.At(i, j)+f*(s.pm1.At(i, j)-s.pm2.At(i, j)))
		}
	}
	return ui
}

func combineLocalToBest(s shuffled, f float64) *mat.Dense {
	n, d := s.old.Dims()
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			old := s.old.At(i, j)
			ui.Set(i, j, old+f*(s.bm.At(i, j)-old)+f*(s.pm1.At(i, j)-s.pm2.At(i, j)))
		}
	}
	return ui
}

func combineBestWithJitter(s shuffled, f float64, rng *rand.Rand) *mat.Dense {
	n, d := s.old.Dims()
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			jitter := (1-0.9999)*rng.Float64() + f
			ui.Set(i, j, s.bm.At(i, j)+(s.pm1.At(i, j)-s.pm2.At(i, j))*jitter)
		}
	}
	return ui
}

func combinePerVectorDither(s shuffled, f float64, rng *rand.Rand) *mat.Dense {
	n, d := s.old.Dims()
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		f1 := (1-f)*rng.Float64() + f
		for j := 0; j < d; j++ {
			ui.Set(i, j, s.pm3.At(i, j)+(s.pm1.At(i, j)-s.pm2.At(i, j))*f1)
		}
	}
	return ui
}

func combinePerGenerationDither(s shuffled, f float64, rng *rand.Rand) *mat.Dense {
	n, d := s.old.Dims()
	f1 := (1-f)*rng.Float64() + f
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			ui.Set(i, j, s.pm3.At(i, j)+(s.pm1.At(i, j)-s.pm2.At(i, j))*f1)
		}
	}
	return ui
}

func combineThreePoint(s shuffled, f float64) *mat.Dense {
	n, d := s.old.Dims()
	k := 0.5 * (f + 1.0)
	ui := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			pm3 := s.pm3.At(i, j)
			ui.Set(i, j, pm3+k*(s.pm1.At(i, j)+s.pm2.At(i, j)-2*pm3))
		}
	}
	return ui
}

// Evolve produces one offspring population from pop according to the
// strategy. best is the best member of the previous completed generation.
// The result has the same shape as pop; no bounds clipping is applied.
func Evolve(pop *mat.Dense, stepSize, crossoverProb float64, best []float64,
	strategy Strategy, expCross bool, rng *rand.Rand) *mat.Dense {

	n, d := pop.Dims()
	s := shufflePopulation(pop, best, rng)

	mask := crossoverMask(n, d, crossoverProb, rng)
	if expCross {
		exponentialMask(mask, rng)
	}

	var ui *mat.Dense
	switch strategy {
	case Rand:
		ui = combineRand(s, stepSize)
		applyCrossover(ui, s.old, mask)
	case LocalToBest:
		ui = combineLocalToBest(s, stepSize)
		applyCrossover(ui, s.old, mask)
	case BestWithJitter:
		ui = combineBestWithJitter(s, stepSize, rng)
		applyCrossover(ui, s.old, mask)
	case RandPerVectorDither:
		ui = combinePerVectorDither(s, stepSize, rng)
		applyCrossover(ui, s.old, mask)
	case RandPerGenerationDither:
		ui = combinePerGenerationDither(s, stepSize, rng)
		applyCrossover(ui, s.old, mask)
	case EitherOr:
		if rng.Float64() < 0.5 {
			// Differential variation branch: no crossover mixing.
			ui = combineRand(s, stepSize)
		} else {
			ui = combineThreePoint(s, stepSize)
			applyCrossover(ui, s.old, mask)
		}
	default:
		panic(fmt.Sprintf("devo: invalid strategy %d", int(strategy)))
	}
	return ui
}
