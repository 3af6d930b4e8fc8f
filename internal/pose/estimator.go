// Package pose estimates head yaw, pitch and roll from a face mesh using a
// closed-form approximation over eight landmarks.
package pose

import (
	"fmt"
	"math"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/stability"
)

var ErrInvalidLandmarks = model.ErrInvalidLandmarks

type point struct {
	x, y float64
}

type Estimator struct {
	cfg     config.PoseConfig
	prev    *model.HeadPose
	tracker *stability.Tracker
}

func NewEstimator(cfg config.PoseConfig) *Estimator {
	return &Estimator{cfg: cfg, tracker: newTracker(cfg)}
}

func newTracker(cfg config.PoseConfig) *stability.Tracker {
	opts := stability.DefaultOptions(cfg.StabilityWindow)
	opts.MeanFloor = 10
	return stability.NewTracker(opts)
}

func (e *Estimator) UpdateConfig(cfg config.PoseConfig) {
	if cfg.StabilityWindow != e.cfg.StabilityWindow {
		e.tracker = newTracker(cfg)
	}
	e.cfg = cfg
}

// Estimate returns the smoothed pose for one frame. A nil or empty set is a
// missing face and yields an undetected zero-confidence pose without error.
func (e *Estimator) Estimate(lm model.LandmarkSet, width, height int, ts time.Time) (model.HeadPose, error) {
	if !lm.Present() {
		return model.HeadPose{Timestamp: ts}, nil
	}
	if !lm.Valid() {
		return model.HeadPose{Timestamp: ts}, fmt.Errorf("%w: got %d points, want %d", ErrInvalidLandmarks, len(lm), model.LandmarkCount)
	}
	if width <= 0 || height <= 0 {
		return model.HeadPose{Timestamp: ts}, fmt.Errorf("%w: image size %dx%d", ErrInvalidLandmarks, width, height)
	}

	raw := e.solve(lm, float64(width), float64(height))
	raw.Timestamp = ts
	raw.Detected = true

	if e.prev != nil {
		a := clampUnit(e.cfg.SmoothingFactor)
		raw.Yaw = a*e.prev.Yaw + (1-a)*raw.Yaw
		raw.Pitch = a*e.prev.Pitch + (1-a)*raw.Pitch
		raw.Roll = a*e.prev.Roll + (1-a)*raw.Roll
	}

	magnitude := math.Sqrt(raw.Yaw*raw.Yaw + raw.Pitch*raw.Pitch + raw.Roll*raw.Roll)
	raw.Stability = e.tracker.Observe(stability.Sample{Mean: magnitude})

	out := raw
	e.prev = &out
	return raw, nil
}

func (e *Estimator) solve(lm model.LandmarkSet, w, h float64) model.HeadPose {
	px := func(i int) point {
		return point{x: lm[i].X * w, y: lm[i].Y * h}
	}
	nose := px(model.NoseTip)
	chin := px(model.Chin)
	leftEye := px(model.LeftEyeOuter)
	rightEye := px(model.RightEyeOuter)
	leftEar := px(model.LeftEar)
	rightEar := px(model.RightEar)

	eyeMid := point{x: (leftEye.x + rightEye.x) / 2, y: (leftEye.y + rightEye.y) / 2}
	eyeDist := dist(leftEye, rightEye)
	if eyeDist < 1e-6 {
		return model.HeadPose{}
	}

	yaw := degrees(math.Atan2(nose.x-eyeMid.x, e.cfg.YawDepthRatio*eyeDist))

	var pitch float64
	if expected := e.cfg.PitchReferenceRatio * (chin.y - eyeMid.y); expected > 1e-6 {
		ratio := (chin.y - nose.y - expected) / expected
		pitch = degrees(math.Asin(math.Max(-1, math.Min(1, ratio))))
	}

	roll := degrees(math.Atan2(rightEye.y-leftEye.y, rightEye.x-leftEye.x))

	confidence := angleConfidence(yaw, e.cfg.YawThreshold) *
		angleConfidence(pitch, e.cfg.PitchThreshold) *
		angleConfidence(roll, e.cfg.RollThreshold) *
		spreadConfidence(dist(leftEar, rightEar), e.cfg.MinLandmarkSpread, e.cfg.MaxLandmarkSpread)

	return model.HeadPose{Yaw: yaw, Pitch: pitch, Roll: roll, Confidence: clampUnit(confidence)}
}

func angleConfidence(angle, threshold float64) float64 {
	a := math.Abs(angle)
	if threshold <= 0 || a <= threshold {
		return 1
	}
	return threshold / a
}

func spreadConfidence(spread, lo, hi float64) float64 {
	switch {
	case lo > 0 && spread < lo:
		return spread / lo
	case hi > 0 && spread > hi:
		return hi / spread
	}
	return 1
}

func (e *Estimator) Reset() {
	e.prev = nil
	e.tracker.Reset()
}

func dist(a, b point) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
