// Package stability provides the rolling-history stability score shared by
// the lighting, shadow and head pose analyzers.
//
// A score of 1 means the newest sample matches recent history; 0 means it
// has nothing in common with it. Each component distance saturates through
// max(0, 1-diff) before the weighted combination.
package stability

import "math"

// Sample is one observation. Histogram is optional and, when present, must
// be normalized to sum to 1.
type Sample struct {
	Mean      float64
	Variance  float64
	Histogram []float64
}

type Weights struct {
	Mean      float64
	Variance  float64
	Histogram float64
}

type Options struct {
	Window int
	// MeanFloor keeps relative mean deviation finite for samples near zero.
	MeanFloor     float64
	VarianceFloor float64
	// Weights used for histogram samples; Scalar for samples without one.
	Weights Weights
	Scalar  Weights
}

func DefaultOptions(window int) Options {
	return Options{
		Window:        window,
		MeanFloor:     1,
		VarianceFloor: 1,
		Weights:       Weights{Mean: 0.3, Variance: 0.2, Histogram: 0.5},
		Scalar:        Weights{Mean: 0.6, Variance: 0.4},
	}
}

type Tracker struct {
	opts    Options
	history *Ring[Sample]
	last    float64
}

func NewTracker(opts Options) *Tracker {
	if opts.Window < 2 {
		opts.Window = 2
	}
	if opts.MeanFloor <= 0 {
		opts.MeanFloor = 1
	}
	if opts.VarianceFloor <= 0 {
		opts.VarianceFloor = 1
	}
	return &Tracker{opts: opts, history: NewRing[Sample](opts.Window), last: 1}
}

// Observe records s and returns its stability against the samples before it.
func (t *Tracker) Observe(s Sample) float64 {
	if t.history.Len() == 0 {
		t.history.Push(cloneSample(s))
		t.last = 1
		return 1
	}

	var meanSum, varSum float64
	n := t.history.Len()
	for i := 0; i < n; i++ {
		h := t.history.At(i)
		meanSum += h.Mean
		varSum += h.Variance
	}
	recentMean := meanSum / float64(n)
	recentVar := varSum / float64(n)

	meanScore := saturate(relativeDiff(s.Mean, recentMean, t.opts.MeanFloor))
	varScore := saturate(relativeDiff(s.Variance, recentVar, t.opts.VarianceFloor))

	prev, _ := t.history.Last()
	var score float64
	if len(s.Histogram) > 0 && len(prev.Histogram) == len(s.Histogram) {
		w := t.opts.Weights
		histScore := saturate(ChiSquare(s.Histogram, prev.Histogram))
		score = weighted(w, meanScore, varScore, histScore)
	} else {
		w := t.opts.Scalar
		w.Histogram = 0
		score = weighted(w, meanScore, varScore, 0)
	}

	t.history.Push(cloneSample(s))
	t.last = clamp01(score)
	return t.last
}

// Last returns the most recent score, 1 before any observation.
func (t *Tracker) Last() float64 {
	return t.last
}

func (t *Tracker) Len() int {
	return t.history.Len()
}

func (t *Tracker) Reset() {
	t.history.Reset()
	t.last = 1
}

// ChiSquare returns 0.5*Σ(a-b)²/(a+b), which lies in [0,1] for normalized histograms.
func ChiSquare(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var d float64
	for i := 0; i < n; i++ {
		sum := a[i] + b[i]
		if sum <= 0 {
			continue
		}
		diff := a[i] - b[i]
		d += diff * diff / sum
	}
	return 0.5 * d
}

func relativeDiff(cur, ref, floor float64) float64 {
	scale := math.Max(math.Max(math.Abs(cur), math.Abs(ref)), floor)
	return math.Abs(cur-ref) / scale
}

func saturate(diff float64) float64 {
	if math.IsNaN(diff) {
		return 0
	}
	return math.Max(0, 1-diff)
}

func weighted(w Weights, mean, variance, hist float64) float64 {
	total := w.Mean + w.Variance + w.Histogram
	if total <= 0 {
		return 1
	}
	return (w.Mean*mean + w.Variance*variance + w.Histogram*hist) / total
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

func cloneSample(s Sample) Sample {
	if s.Histogram != nil {
		s.Histogram = append([]float64(nil), s.Histogram...)
	}
	return s
}
