package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/model"
)

func TestUpdateReplacesWindows(t *testing.T) {
	s := NewStore(10)
	s.Update("s1", []model.WindowMetrics{{WindowSec: 60, Frames: 10}, {WindowSec: 10, Frames: 3}})
	s.Update("s1", []model.WindowMetrics{{WindowSec: 10, Frames: 4}})

	got, updated, ok := s.Get("s1")
	require.True(t, ok)
	assert.False(t, updated.IsZero())
	require.Len(t, got, 2)
	assert.Equal(t, 10, got[0].WindowSec)
	assert.Equal(t, 4, got[0].Frames)
	assert.Equal(t, 10, got[1].Frames)

	s.Update("", []model.WindowMetrics{{WindowSec: 1}})
	assert.Len(t, s.GetAll(), 1)
}

func TestLimitEvicts(t *testing.T) {
	s := NewStore(1)
	s.Update("a", []model.WindowMetrics{{WindowSec: 10}})
	s.Update("b", []model.WindowMetrics{{WindowSec: 10}})
	all := s.GetAll()
	assert.Len(t, all, 1)

	for id := range all {
		s.Remove(id)
	}
	assert.Empty(t, s.GetAll())
	s.Update("c", []model.WindowMetrics{{WindowSec: 10}})
	s.Clear()
	assert.Empty(t, s.GetAll())
}

func TestSummarize(t *testing.T) {
	s := NewStore(10)
	s.Update("a", []model.WindowMetrics{{WindowSec: 10, Frames: 30, EyesOnRatio: 1, FacePresentRatio: 1, RiskScore: 0.1}})
	s.Update("b", []model.WindowMetrics{{WindowSec: 10, Frames: 30, EyesOnRatio: 0.5, FacePresentRatio: 0.8, RiskScore: 0.7}})
	s.Update("c", []model.WindowMetrics{{WindowSec: 10}, {WindowSec: 60, Frames: 5, RiskScore: 0.9}})

	sum := s.Summarize(10, 0.5)
	assert.Equal(t, 2, sum.Sessions)
	assert.InDelta(t, 0.75, sum.MeanEyesOn, 1e-9)
	assert.InDelta(t, 0.3535533, sum.StdEyesOn, 1e-6)
	assert.InDelta(t, 0.9, sum.MeanFacePresence, 1e-9)
	assert.InDelta(t, 0.7, sum.MaxRisk, 1e-9)
	assert.Equal(t, []string{"b"}, sum.AtRisk)

	empty := s.Summarize(300, 0.5)
	assert.Zero(t, empty.Sessions)
	assert.Empty(t, empty.AtRisk)
}
