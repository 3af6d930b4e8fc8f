package objects

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/imaging"
	"proctorguard/internal/model"
	"proctorguard/internal/testutil"
)

func background() *imaging.Frame {
	return testutil.Uniform(320, 240, 30)
}

func phoneFrame(offset int) *imaging.Frame {
	return testutil.WithRect(background(), 100+offset, 70, 55, 100, 250, 250, 250)
}

func TestSkinRule(t *testing.T) {
	cases := []struct {
		r, g, b uint8
		want    bool
	}{
		{210, 150, 120, true},
		{250, 250, 250, false},
		{90, 60, 40, false},
		{200, 190, 100, false},
		{120, 130, 100, false},
		{30, 30, 30, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isSkin(tc.r, tc.g, tc.b), "rgb(%d,%d,%d)", tc.r, tc.g, tc.b)
	}
}

func TestComponents(t *testing.T) {
	mask := map[[2]int]bool{{0, 0}: true, {1, 0}: true, {4, 4}: true}
	g := newGrid(6, 6, 1, func(x, y int) bool { return mask[[2]int{x, y}] })
	comps := g.components()
	require.Len(t, comps, 2)
	assert.Equal(t, component{cells: 2, minX: 0, minY: 0, maxX: 1, maxY: 0}, comps[0])
	assert.Equal(t, 1, comps[1].cells)
}

func TestEmptyFrame(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	_, err := d.Detect(nil, nil)
	assert.True(t, errors.Is(err, ErrEmptyFrame))
}

func TestDeviceDetectedFromFifthFrame(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	var last model.DetectedRegion
	for i := 1; i <= 6; i++ {
		res, err := d.Detect(phoneFrame(2*i), nil)
		require.NoError(t, err)
		require.Len(t, res.DeviceLikeObjects, 1, "frame %d", i)
		region := res.DeviceLikeObjects[0]
		assert.Equal(t, i, region.ConsecutiveFramesSeen)
		assert.Equal(t, i >= 5, region.Detected, "frame %d", i)
		assert.Empty(t, res.SecondaryFaces)
		if i > 1 {
			assert.Equal(t, last.ID, region.ID)
			assert.Greater(t, region.MotionHistory[len(region.MotionHistory)-1], 0.0)
		}
		last = region
	}
	assert.InDelta(t, 0.56, last.BoundingBox.W/last.BoundingBox.H, 0.05)
	assert.Len(t, last.HighlightHistory, 6)
	assert.Equal(t, 1, model.ObjectDetections{DeviceLikeObjects: []model.DetectedRegion{last}}.Summary().Devices)
}

func TestEvictionRestartsCount(t *testing.T) {
	cfg := config.DefaultObjectsConfig()
	d := NewDetector(cfg)
	for i := 0; i < 3; i++ {
		_, err := d.Detect(phoneFrame(0), nil)
		require.NoError(t, err)
	}
	for i := 0; i <= cfg.MaxAge; i++ {
		res, err := d.Detect(background(), nil)
		require.NoError(t, err)
		assert.Empty(t, res.DeviceLikeObjects)
	}
	_, devices := d.Tracks()
	assert.Zero(t, devices)

	res, err := d.Detect(phoneFrame(0), nil)
	require.NoError(t, err)
	require.Len(t, res.DeviceLikeObjects, 1)
	assert.Equal(t, 1, res.DeviceLikeObjects[0].ConsecutiveFramesSeen)
	assert.False(t, res.DeviceLikeObjects[0].Detected)
}

func TestShortGapKeepsTrack(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	for i := 0; i < 3; i++ {
		_, _ = d.Detect(phoneFrame(0), nil)
	}
	_, _ = d.Detect(background(), nil)
	res, err := d.Detect(phoneFrame(0), nil)
	require.NoError(t, err)
	require.Len(t, res.DeviceLikeObjects, 1)
	assert.Equal(t, 4, res.DeviceLikeObjects[0].ConsecutiveFramesSeen)
}

func TestStationaryRectangleStillScores(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	_, _ = d.Detect(phoneFrame(0), nil)
	res, err := d.Detect(phoneFrame(0), nil)
	require.NoError(t, err)
	require.Len(t, res.DeviceLikeObjects, 1)
	assert.Equal(t, []float64{0, 0}, res.DeviceLikeObjects[0].MotionHistory)
	assert.GreaterOrEqual(t, res.DeviceLikeObjects[0].Confidence, 0.35)
}

func TestSquareIsNotADevice(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	res, err := d.Detect(testutil.WithRect(background(), 100, 60, 100, 100, 250, 250, 250), nil)
	require.NoError(t, err)
	assert.Empty(t, res.DeviceLikeObjects)
}

func TestSecondaryFace(t *testing.T) {
	cfg := config.DefaultObjectsConfig()
	d := NewDetector(cfg)
	frame := testutil.SkinFace(background(), 200, 60, 80, 100)
	var res model.ObjectDetections
	var err error
	for i := 1; i <= cfg.MinConsecutiveFrames; i++ {
		res, err = d.Detect(frame, nil)
		require.NoError(t, err)
		require.Len(t, res.SecondaryFaces, 1)
		assert.Equal(t, i == cfg.MinConsecutiveFrames, res.SecondaryFaces[0].Detected)
	}
	face := res.SecondaryFaces[0]
	assert.Equal(t, model.RegionFace, face.Kind)
	assert.Greater(t, face.Confidence, 0.9)
	assert.Equal(t, model.Rect{X: 200, Y: 60, W: 80, H: 100}, face.BoundingBox)
	assert.Empty(t, res.DeviceLikeObjects)
}

func TestPrimaryFaceExcluded(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	frame := testutil.SkinFace(background(), 200, 60, 80, 100)
	primary := model.Rect{X: 195, Y: 55, W: 90, H: 110}
	res, err := d.Detect(frame, &primary)
	require.NoError(t, err)
	assert.Empty(t, res.SecondaryFaces)
}

func TestFeaturelessBlobScoresLow(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	frame := testutil.WithRect(background(), 200, 60, 80, 100, 210, 150, 120)
	res, err := d.Detect(frame, nil)
	require.NoError(t, err)
	require.Len(t, res.SecondaryFaces, 1)
	assert.Less(t, res.SecondaryFaces[0].Confidence, 0.4)
}

func TestReset(t *testing.T) {
	d := NewDetector(config.DefaultObjectsConfig())
	for i := 0; i < 4; i++ {
		_, _ = d.Detect(phoneFrame(0), nil)
	}
	d.Reset()
	faces, devices := d.Tracks()
	assert.Zero(t, faces)
	assert.Zero(t, devices)

	res, err := d.Detect(phoneFrame(0), nil)
	require.NoError(t, err)
	require.Len(t, res.DeviceLikeObjects, 1)
	assert.Equal(t, 1, res.DeviceLikeObjects[0].ConsecutiveFramesSeen)
	assert.Equal(t, 1, res.DeviceLikeObjects[0].ID)
	assert.Equal(t, []float64{0}, res.DeviceLikeObjects[0].MotionHistory)
}
