// Package environment scores the lighting and shadow conditions of a frame.
package environment

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"proctorguard/internal/config"
	"proctorguard/internal/imaging"
	"proctorguard/internal/model"
	"proctorguard/internal/stability"
)

var ErrEmptyFrame = imaging.ErrEmptyFrame

const anomalyShadowScore = 0.3

type lightingEntry struct {
	mean      float64
	variance  float64
	histogram [256]float64
	stability float64
}

type Analyzer struct {
	cfg      config.EnvironmentConfig
	lighting *stability.Tracker
	shadow   *stability.Tracker
	history  *stability.Ring[lightingEntry]
}

func NewAnalyzer(cfg config.EnvironmentConfig) *Analyzer {
	a := &Analyzer{cfg: cfg}
	a.init()
	return a
}

func (a *Analyzer) init() {
	a.lighting = stability.NewTracker(stability.DefaultOptions(a.cfg.StabilityWindow))
	a.shadow = stability.NewTracker(stability.DefaultOptions(a.cfg.StabilityWindow))
	window := a.cfg.StabilityWindow
	if window < 1 {
		window = 1
	}
	a.history = stability.NewRing[lightingEntry](window)
}

func (a *Analyzer) UpdateConfig(cfg config.EnvironmentConfig) {
	resize := cfg.StabilityWindow != a.cfg.StabilityWindow
	a.cfg = cfg
	if resize {
		a.init()
	}
}

func (a *Analyzer) Analyze(frame *imaging.Frame, ts time.Time) (model.EnvironmentAnalysis, error) {
	if frame == nil || frame.Empty() {
		return model.EnvironmentAnalysis{Timestamp: ts}, ErrEmptyFrame
	}
	luma := frame.Luma()

	light := analyzeLighting(luma)
	light.Stability = a.lighting.Observe(stability.Sample{
		Mean:      light.Mean,
		Variance:  light.Variance,
		Histogram: light.Histogram[:],
	})
	light.BacklightingSeverity = a.backlighting(&light.Histogram)
	a.history.Push(lightingEntry{
		mean:      light.Mean,
		variance:  light.Variance,
		histogram: light.Histogram,
		stability: light.Stability,
	})

	shadow := model.ShadowAnalysis{}
	if interior := imaging.Interior(imaging.Sobel(luma, frame.Width, frame.Height), frame.Width, frame.Height); len(interior) > 0 {
		shadow.GradientMagnitude, shadow.SpatialVariance = stat.PopMeanVariance(interior, nil)
	}
	shadow.Stability = a.shadow.Observe(stability.Sample{
		Mean:     shadow.GradientMagnitude,
		Variance: shadow.SpatialVariance,
	})
	gradientHigh := shadow.GradientMagnitude > a.cfg.GradientThreshold
	varianceHigh := shadow.SpatialVariance > a.cfg.VarianceThreshold
	unstable := shadow.Stability < a.cfg.ShadowStabilityFloor
	shadow.AnomalyDetected = gradientHigh || varianceHigh || unstable

	shadowTerm := 1.0
	if shadow.AnomalyDetected {
		shadowTerm = anomalyShadowScore
	}
	overall := 0.4*(1-light.BacklightingSeverity) +
		0.3*shadowTerm +
		0.3*(light.Stability+shadow.Stability)/2

	var warnings []string
	if light.BacklightingSeverity > a.cfg.BacklightWarn {
		warnings = append(warnings, "strong backlighting detected")
	}
	if light.Stability < a.cfg.LightingStabilityWarn {
		warnings = append(warnings, "lighting is unstable")
	}
	if shadow.AnomalyDetected {
		warnings = append(warnings, "shadow anomaly detected")
	}
	if unstable {
		warnings = append(warnings, "shadows are unstable")
	}
	if varianceHigh {
		warnings = append(warnings, "high gradient variance")
	}

	return model.EnvironmentAnalysis{
		Timestamp:    ts,
		Lighting:     light,
		Shadow:       shadow,
		OverallScore: clamp01(overall),
		Warnings:     warnings,
	}, nil
}

func analyzeLighting(luma []float64) model.LightingAnalysis {
	var out model.LightingAnalysis
	for _, l := range luma {
		bin := int(math.Round(l))
		if bin < 0 {
			bin = 0
		} else if bin > 255 {
			bin = 255
		}
		out.Histogram[bin]++
	}
	n := float64(len(luma))
	for i := range out.Histogram {
		out.Histogram[i] /= n
		out.Mean += float64(i) * out.Histogram[i]
	}
	for i, p := range out.Histogram {
		d := float64(i) - out.Mean
		out.Variance += d * d * p
	}
	return out
}

// backlighting rates a bimodal histogram with peaks in both the dark and
// bright bands and an emptied mid range.
func (a *Analyzer) backlighting(h *[256]float64) float64 {
	var darkPeak, brightPeak float64
	for i := range h {
		if h[i] < a.cfg.PeakMinFraction || h[i] == 0 {
			continue
		}
		if i > 0 && h[i] <= h[i-1] {
			continue
		}
		if i < 255 && h[i] < h[i+1] {
			continue
		}
		switch {
		case i < a.cfg.DarkBand:
			darkPeak = math.Max(darkPeak, h[i])
		case i > a.cfg.BrightBand:
			brightPeak = math.Max(brightPeak, h[i])
		}
	}
	if darkPeak == 0 || brightPeak == 0 {
		return 0
	}
	ratio := math.Min(darkPeak, brightPeak) / math.Max(darkPeak, brightPeak)

	var mid float64
	for i := a.cfg.DarkBand; i < a.cfg.BrightBand && i < 256; i++ {
		if i >= 0 {
			mid += h[i]
		}
	}
	depth := 1.0
	if a.cfg.MidBaseline > 0 {
		depth = clamp01(1 - mid/a.cfg.MidBaseline)
	}
	return clamp01(0.4*ratio + 0.6*depth)
}

// BaselineLighting averages the stable history entries. It returns nil
// when nothing stable has been seen.
func (a *Analyzer) BaselineLighting() *model.LightingBaseline {
	var out model.LightingBaseline
	for _, e := range a.history.Items() {
		if e.stability <= a.cfg.BaselineStability {
			continue
		}
		out.Samples++
		out.Mean += e.mean
		out.Variance += e.variance
		for i, v := range e.histogram {
			out.Histogram[i] += v
		}
	}
	if out.Samples == 0 {
		return nil
	}
	n := float64(out.Samples)
	out.Mean /= n
	out.Variance /= n
	for i := range out.Histogram {
		out.Histogram[i] /= n
	}
	return &out
}

func (a *Analyzer) Reset() {
	a.lighting.Reset()
	a.shadow.Reset()
	a.history.Reset()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
