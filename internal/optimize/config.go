package optimize

import (
	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/validation"
)

// Selection schemes
const (
	SelectTournament = "tournament"
	SelectRank       = "rank"
)

// Crossover schemes
const (
	CrossoverBlend   = "blend"
	CrossoverUniform = "uniform"
)

// Objectives
const (
	ObjectiveInSample    = "in_sample"
	ObjectiveWalkForward = "walk_forward"
)

// Config defines the genetic search
type Config struct {
	PopulationSize     int     `yaml:"population_size" json:"population_size"`         // individuals per generation (default: 40)
	Generations        int     `yaml:"generations" json:"generations"`                 // generation budget (default: 30)
	EliteCount         int     `yaml:"elite_count" json:"elite_count"`                 // carried unchanged (default: 2)
	Selection          string  `yaml:"selection" json:"selection"`                     // tournament | rank
	TournamentSize     int     `yaml:"tournament_size" json:"tournament_size"`         // default: 3
	Crossover          string  `yaml:"crossover" json:"crossover"`                     // blend | uniform
	CrossoverRate      float64 `yaml:"crossover_rate" json:"crossover_rate"`           // default: 0.8
	BlendAlpha         float64 `yaml:"blend_alpha" json:"blend_alpha"`                 // BLX-alpha extension (default: 0.3)
	MutationRate       float64 `yaml:"mutation_rate" json:"mutation_rate"`             // per-gene probability (default: 0.15)
	MutationScale      float64 `yaml:"mutation_scale" json:"mutation_scale"`           // sigma as a fraction of range width (default: 0.1)
	PlateauGenerations int     `yaml:"plateau_generations" json:"plateau_generations"` // 0 disables early stop
	PlateauTolerance   float64 `yaml:"plateau_tolerance" json:"plateau_tolerance"`
	Seed               uint64  `yaml:"seed" json:"seed"`
	Workers            int     `yaml:"workers" json:"workers"` // 0 = GOMAXPROCS

	Weights        FitnessWeights `yaml:"weights" json:"weights"`
	RegimeWeights  bool           `yaml:"regime_weights" json:"regime_weights"`   // take weights from the detected regime
	AdaptiveRanges bool           `yaml:"adaptive_ranges" json:"adaptive_ranges"` // narrow ranges with the meta-learner

	Objective   string                       `yaml:"objective" json:"objective"`
	WalkForward validation.WalkForwardConfig `yaml:"walk_forward" json:"walk_forward"`
}

// DefaultConfig returns the default optimizer configuration
func DefaultConfig() Config {
	return Config{
		PopulationSize:     40,
		Generations:        30,
		EliteCount:         2,
		Selection:          SelectTournament,
		TournamentSize:     3,
		Crossover:          CrossoverBlend,
		CrossoverRate:      0.8,
		BlendAlpha:         0.3,
		MutationRate:       0.15,
		MutationScale:      0.1,
		PlateauGenerations: 8,
		PlateauTolerance:   1e-6,
		Seed:               42,
		Weights:            DefaultFitnessWeights(),
		RegimeWeights:      true,
		AdaptiveRanges:     true,
		Objective:          ObjectiveInSample,
		WalkForward:        validation.DefaultWalkForwardConfig(),
	}
}

// Validate rejects settings the search cannot run with
func (c Config) Validate() error {
	if c.PopulationSize < 2 {
		return domain.NewConfigurationError("population_size must be at least 2, got %d", c.PopulationSize)
	}
	if c.Generations < 1 {
		return domain.NewConfigurationError("generations must be at least 1, got %d", c.Generations)
	}
	if c.EliteCount < 1 || c.EliteCount >= c.PopulationSize {
		return domain.NewConfigurationError("elite_count must be in [1, population_size), got %d", c.EliteCount)
	}
	switch c.Selection {
	case SelectTournament:
		if c.TournamentSize < 1 {
			return domain.NewConfigurationError("tournament_size must be positive, got %d", c.TournamentSize)
		}
	case SelectRank:
	default:
		return domain.NewConfigurationError("unknown selection %q", c.Selection)
	}
	if c.Crossover != CrossoverBlend && c.Crossover != CrossoverUniform {
		return domain.NewConfigurationError("unknown crossover %q", c.Crossover)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 || c.MutationRate < 0 || c.MutationRate > 1 {
		return domain.NewConfigurationError("crossover_rate and mutation_rate must be in [0, 1]")
	}
	if c.MutationScale <= 0 || c.BlendAlpha < 0 {
		return domain.NewConfigurationError("mutation_scale must be positive and blend_alpha non-negative")
	}
	if c.PlateauGenerations < 0 || c.PlateauTolerance < 0 {
		return domain.NewConfigurationError("plateau settings must be non-negative")
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	switch c.Objective {
	case ObjectiveInSample, "":
	case ObjectiveWalkForward:
		if err := c.WalkForward.Validate(); err != nil {
			return err
		}
	default:
		return domain.NewConfigurationError("unknown objective %q", c.Objective)
	}
	return nil
}
