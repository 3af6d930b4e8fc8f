package environment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/imaging"
	"proctorguard/internal/testutil"
)

func TestEmptyFrame(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	_, err := a.Analyze(nil, time.Now())
	assert.True(t, errors.Is(err, ErrEmptyFrame))
	_, err = a.Analyze(imaging.NewFrame(0, 0), time.Now())
	assert.True(t, errors.Is(err, ErrEmptyFrame))
}

func TestHistogramStatistics(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	res, err := a.Analyze(testutil.Split(64, 48, 30, 220), time.Now())
	require.NoError(t, err)

	var sum float64
	for _, v := range res.Lighting.Histogram {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-9)
	assert.InDelta(t, 0.5, res.Lighting.Histogram[30], 1e-9)
	assert.InDelta(t, 125, res.Lighting.Mean, 1e-9)
	assert.InDelta(t, 95*95, res.Lighting.Variance, 1e-6)
}

func TestStabilityConvergesOnRepeats(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	frame := testutil.Uniform(64, 48, 120)
	for i := 0; i < 10; i++ {
		res, err := a.Analyze(frame, time.Now())
		require.NoError(t, err)
		assert.InDelta(t, 1, res.Lighting.Stability, 1e-9)
		assert.InDelta(t, 1, res.Shadow.Stability, 1e-9)
		assert.InDelta(t, 1, res.OverallScore, 1e-9)
		assert.Empty(t, res.Warnings)
	}
}

func TestStabilityDropsOnLightingChange(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	first, err := a.Analyze(testutil.Uniform(64, 48, 200), time.Now())
	require.NoError(t, err)
	second, err := a.Analyze(testutil.Uniform(64, 48, 50), time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 1, first.Lighting.Stability, 1e-9)
	assert.Less(t, second.Lighting.Stability, 0.5)
	assert.Contains(t, second.Warnings, "lighting is unstable")
	assert.Less(t, second.OverallScore, first.OverallScore)
}

func TestBacklighting(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	res, err := a.Analyze(testutil.Split(64, 48, 30, 220), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 1, res.Lighting.BacklightingSeverity, 1e-9)
	assert.Contains(t, res.Warnings, "strong backlighting detected")
	assert.Less(t, res.OverallScore, 0.7)

	b := NewAnalyzer(config.DefaultEnvironmentConfig())
	res, err = b.Analyze(testutil.Uniform(64, 48, 30), time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Lighting.BacklightingSeverity)
}

func TestBacklightingNeedsEmptyMidRange(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	var h [256]float64
	h[30], h[128], h[220] = 0.3, 0.4, 0.3
	// Peaks in both bands but a full mid range: ratio term only.
	assert.InDelta(t, 0.4, a.backlighting(&h), 1e-9)
}

func TestShadowAnomaly(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	res, err := a.Analyze(testutil.Checkerboard(64, 48, 2, 0, 255), time.Now())
	require.NoError(t, err)
	assert.Greater(t, res.Shadow.GradientMagnitude, 60.0)
	assert.True(t, res.Shadow.AnomalyDetected)
	assert.Contains(t, res.Warnings, "shadow anomaly detected")
}

func TestShadowInstabilityAlone(t *testing.T) {
	cfg := config.DefaultEnvironmentConfig()
	cfg.GradientThreshold = 1e9
	cfg.VarianceThreshold = 1e12
	a := NewAnalyzer(cfg)
	for i := 0; i < 3; i++ {
		_, err := a.Analyze(testutil.Uniform(64, 48, 100), time.Now())
		require.NoError(t, err)
	}
	res, err := a.Analyze(testutil.Checkerboard(64, 48, 8, 80, 120), time.Now())
	require.NoError(t, err)
	assert.Less(t, res.Shadow.Stability, cfg.ShadowStabilityFloor)
	assert.True(t, res.Shadow.AnomalyDetected)
	assert.Contains(t, res.Warnings, "shadows are unstable")
}

func TestBaselineLighting(t *testing.T) {
	a := NewAnalyzer(config.DefaultEnvironmentConfig())
	assert.Nil(t, a.BaselineLighting())

	for i := 0; i < 4; i++ {
		_, err := a.Analyze(testutil.Uniform(32, 32, 120), time.Now())
		require.NoError(t, err)
	}
	_, err := a.Analyze(testutil.Uniform(32, 32, 10), time.Now())
	require.NoError(t, err)

	base := a.BaselineLighting()
	require.NotNil(t, base)
	assert.Equal(t, 4, base.Samples)
	assert.InDelta(t, 120, base.Mean, 1e-9)
	assert.InDelta(t, 1, base.Histogram[120], 1e-9)

	a.Reset()
	assert.Nil(t, a.BaselineLighting())
}
