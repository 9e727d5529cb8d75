package validation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/stratlab/internal/backtest"
	"github.com/sawpanic/stratlab/internal/domain"
)

// Classification grades how well in-sample performance carries out of sample
type Classification string

const (
	Excellent Classification = "excellent"
	Pass      Classification = "pass"
	Marginal  Classification = "marginal"
	Fail      Classification = "fail"
)

// StabilityPolicy holds the stability-ratio thresholds. They are policy,
// not derived constants, so deployments may tune them.
type StabilityPolicy struct {
	Excellent float64 `yaml:"excellent" json:"excellent"`
	Pass      float64 `yaml:"pass" json:"pass"`
	Marginal  float64 `yaml:"marginal" json:"marginal"`
}

// DefaultStabilityPolicy returns the 0.9 / 0.7 / 0.5 thresholds
func DefaultStabilityPolicy() StabilityPolicy {
	return StabilityPolicy{Excellent: 0.9, Pass: 0.7, Marginal: 0.5}
}

// Validate requires strictly descending positive thresholds
func (p StabilityPolicy) Validate() error {
	if !(p.Excellent > p.Pass && p.Pass > p.Marginal && p.Marginal > 0) {
		return domain.NewConfigurationError("stability thresholds must satisfy excellent > pass > marginal > 0, got %v/%v/%v",
			p.Excellent, p.Pass, p.Marginal)
	}
	return nil
}

// Classify computes the stability ratio and its grade. A non-positive
// in-sample mean always fails and reports a zero ratio instead of dividing.
func (p StabilityPolicy) Classify(meanIS, meanOOS float64) (float64, Classification) {
	if meanIS <= 0 || math.IsNaN(meanIS) || math.IsNaN(meanOOS) {
		return 0, Fail
	}
	ratio := meanOOS / meanIS
	switch {
	case ratio >= p.Excellent:
		return ratio, Excellent
	case ratio >= p.Pass:
		return ratio, Pass
	case ratio >= p.Marginal:
		return ratio, Marginal
	default:
		return ratio, Fail
	}
}

// Scorer reduces a run's metrics to the primary score being validated
type Scorer func(m backtest.Metrics) float64

// MetricScorer scores by a named backtest metric
func MetricScorer(name string) Scorer {
	return func(m backtest.Metrics) float64 { return m.Score(name) }
}

// Summary aggregates per-window in-sample and out-of-sample scores
type Summary struct {
	Windows           int            `json:"windows"`
	MeanInSample      float64        `json:"mean_in_sample"`
	MeanOutOfSample   float64        `json:"mean_out_of_sample"`
	StdOutOfSample    float64        `json:"std_out_of_sample"`
	StabilityRatio    float64        `json:"stability_ratio"`
	Consistency       float64        `json:"consistency"` // fraction of windows with positive OOS score
	Classification    Classification `json:"classification"`
	MeanDegradation   float64        `json:"mean_degradation_pct"`
	RobustnessScore   float64        `json:"robustness_score"` // 0..100
	InSampleMissing   bool           `json:"in_sample_missing,omitempty"`
	OutOfSampleScores []float64      `json:"out_of_sample_scores"`
}

func summarize(policy StabilityPolicy, is, oos []float64) Summary {
	s := Summary{Windows: len(oos), OutOfSampleScores: oos}
	if len(oos) == 0 {
		s.Classification = Fail
		return s
	}

	s.MeanOutOfSample = stat.Mean(oos, nil)
	if len(oos) > 1 {
		s.StdOutOfSample = stat.StdDev(oos, nil)
	}
	if len(is) == len(oos) {
		s.MeanInSample = stat.Mean(is, nil)
	} else {
		s.InSampleMissing = true
	}

	positive := 0
	degradation := 0.0
	for i, v := range oos {
		if v > 0 {
			positive++
		}
		if !s.InSampleMissing {
			degradation += degradationPct(is[i], v)
		}
	}
	s.Consistency = float64(positive) / float64(len(oos))
	s.MeanDegradation = degradation / float64(len(oos))
	s.StabilityRatio, s.Classification = policy.Classify(s.MeanInSample, s.MeanOutOfSample)
	s.RobustnessScore = robustness(s.Consistency, s.MeanOutOfSample, s.MeanDegradation)
	return s
}

// degradationPct is the relative change from in-sample to out-of-sample
func degradationPct(is, oos float64) float64 {
	if is == 0 {
		return 0
	}
	return (oos - is) / math.Abs(is) * 100
}

// robustness blends consistency, OOS level and degradation into 0..100
func robustness(consistency, meanOOS, degradation float64) float64 {
	score := consistency*100*0.4 +
		math.Max(0, math.Min(100, meanOOS*20))*0.3 +
		math.Max(0, 100-math.Abs(degradation))*0.3
	return math.Min(100, score)
}
