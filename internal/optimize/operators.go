package optimize

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// defaultTolerance is the fraction of a range within which a value counts
// as left at its default
const defaultTolerance = 0.01

// complexity counts parameters moved away from their default
func complexity(space strategy.Space, params domain.ParameterSet) int {
	defaults := space.Defaults()
	n := 0
	for _, p := range space {
		if !p.Free() {
			continue
		}
		if math.Abs(params[p.Name]-defaults[p.Name]) > defaultTolerance*p.Width() {
			n++
		}
	}
	return n
}

// breeder produces the next generation. It owns the only RNG of a run, so
// the sequence of draws depends on the seed alone.
type breeder struct {
	cfg   Config
	space strategy.Space
	rng   *rand.Rand
}

func newBreeder(cfg Config, space strategy.Space) *breeder {
	return &breeder{cfg: cfg, space: space, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
}

// initial samples the first population; seeds, when given, take the first
// slots.
func (b *breeder) initial(seeds ...domain.ParameterSet) []Individual {
	pop := make([]Individual, 0, b.cfg.PopulationSize)
	for _, s := range seeds {
		if len(pop) == b.cfg.PopulationSize {
			break
		}
		pop = append(pop, b.individual(b.space.Clamp(s)))
	}
	for len(pop) < b.cfg.PopulationSize {
		pop = append(pop, b.individual(b.space.Sample(b.rng)))
	}
	return pop
}

func (b *breeder) individual(params domain.ParameterSet) Individual {
	return Individual{Params: params, Complexity: complexity(b.space, params)}
}

// next builds a generation from a ranked population: elites carry over
// unchanged with their fitness, the rest are bred.
func (b *breeder) next(ranked []Individual) []Individual {
	out := make([]Individual, 0, b.cfg.PopulationSize)
	for _, e := range ranked[:b.cfg.EliteCount] {
		e.Params = e.Params.Clone()
		e.Elite = true
		out = append(out, e)
	}
	for len(out) < b.cfg.PopulationSize {
		a := b.selectParent(ranked)
		c := b.selectParent(ranked)
		var child domain.ParameterSet
		if b.rng.Float64() < b.cfg.CrossoverRate {
			child = b.crossover(a.Params, c.Params)
		} else {
			child = a.Params.Clone()
		}
		b.mutate(child)
		out = append(out, b.individual(b.space.Clamp(child)))
	}
	return out
}

// selectParent picks from a population sorted best first
func (b *breeder) selectParent(ranked []Individual) Individual {
	n := len(ranked)
	switch b.cfg.Selection {
	case SelectRank:
		// linear ranking: weight n for the best down to 1 for the worst
		total := n * (n + 1) / 2
		pick := b.rng.IntN(total)
		for i := 0; i < n; i++ {
			pick -= n - i
			if pick < 0 {
				return ranked[i]
			}
		}
		return ranked[n-1]
	default:
		best := n
		for i := 0; i < b.cfg.TournamentSize; i++ {
			if j := b.rng.IntN(n); j < best {
				best = j
			}
		}
		return ranked[best]
	}
}

func (b *breeder) crossover(x, y domain.ParameterSet) domain.ParameterSet {
	child := make(domain.ParameterSet, len(b.space))
	for _, p := range b.space {
		xv, yv := x[p.Name], y[p.Name]
		switch b.cfg.Crossover {
		case CrossoverUniform:
			if b.rng.Float64() < 0.5 {
				child[p.Name] = xv
			} else {
				child[p.Name] = yv
			}
		default:
			lo, hi := math.Min(xv, yv), math.Max(xv, yv)
			ext := b.cfg.BlendAlpha * (hi - lo)
			lo, hi = lo-ext, hi+ext
			child[p.Name] = lo + b.rng.Float64()*(hi-lo)
		}
	}
	return child
}

// mutate applies a Gaussian perturbation to each gene with probability
// MutationRate; clamping happens in the caller.
func (b *breeder) mutate(params domain.ParameterSet) {
	for _, p := range b.space {
		if !p.Free() || b.rng.Float64() >= b.cfg.MutationRate {
			continue
		}
		sigma := b.cfg.MutationScale * p.Width()
		if p.Kind == strategy.KindInt {
			sigma = math.Max(sigma, 1)
		}
		noise := distuv.Normal{Mu: 0, Sigma: sigma, Src: b.rng}
		params[p.Name] += noise.Rand()
	}
}
