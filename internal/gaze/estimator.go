// Package gaze estimates where on screen the subject is looking from eye
// landmark geometry, optionally through a fitted calibration homography.
package gaze

import (
	"fmt"
	"math"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

var ErrInvalidLandmarks = model.ErrInvalidLandmarks

// outOfBoxPenalty scales the confidence of an iris center found outside
// the eye's landmark bounds.
const outOfBoxPenalty = 0.3

type Estimator struct {
	cfg  config.GazeConfig
	cal  *Calibration
	prev *model.GazePoint
	last *model.GazeVector
}

func NewEstimator(cfg config.GazeConfig) *Estimator {
	return &Estimator{cfg: cfg, cal: NewCalibration(cfg.MaxReprojectionError)}
}

func (e *Estimator) UpdateConfig(cfg config.GazeConfig) {
	e.cfg = cfg
	e.cal.maxReprojErr = cfg.MaxReprojectionError
}

// Estimate maps one frame's landmarks to a smoothed screen point. Missing
// landmarks give an undetected zero-confidence point without error.
func (e *Estimator) Estimate(lm model.LandmarkSet, width, height int, ts time.Time) (model.GazePoint, error) {
	if !lm.Present() {
		return model.GazePoint{Timestamp: ts}, nil
	}
	if !lm.Valid() {
		return model.GazePoint{Timestamp: ts}, fmt.Errorf("%w: got %d points, want %d", ErrInvalidLandmarks, len(lm), model.LandmarkCount)
	}
	if width <= 0 || height <= 0 {
		return model.GazePoint{Timestamp: ts}, fmt.Errorf("%w: image size %dx%d", ErrInvalidLandmarks, width, height)
	}

	w, h := float64(width), float64(height)
	left := e.eye(lm, model.LeftEyeContour, model.LeftEyeTop, model.LeftEyeBottom, w, h)
	right := e.eye(lm, model.RightEyeContour, model.RightEyeTop, model.RightEyeBottom, w, h)
	vec := combine(left, right)
	e.last = &vec

	point := e.project(vec)
	point.Timestamp = ts
	point.Vector = vec
	point.Detected = true

	if e.prev != nil && e.prev.Detected {
		a := math.Min(1, math.Max(0, e.cfg.SmoothingFactor))
		point.ScreenX = a*e.prev.ScreenX + (1-a)*point.ScreenX
		point.ScreenY = a*e.prev.ScreenY + (1-a)*point.ScreenY
	}
	out := point
	e.prev = &out
	return point, nil
}

type eyeEstimate struct {
	vector      model.GazeVector
	center      [2]float64
	iris        [2]float64
	irisRadius  float64
	eyeWidth    float64
	insideBound bool
}

func (e *Estimator) eye(lm model.LandmarkSet, contour []int, top, bottom int, w, h float64) eyeEstimate {
	var cx, cy float64
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, idx := range contour {
		x, y := lm[idx].X*w, lm[idx].Y*h
		cx += x
		cy += y
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	n := float64(len(contour))
	cx /= n
	cy /= n

	// Contours start at one corner and reach the other halfway round; the
	// corners bound the eye horizontally.
	c0, c1 := lm[contour[0]].X*w, lm[contour[len(contour)/2]].X*w
	minX, maxX := math.Min(c0, c1), math.Max(c0, c1)

	ix := (lm[top].X + lm[bottom].X) / 2 * w
	iy := (lm[top].Y + lm[bottom].Y) / 2 * h
	eyeWidth := maxX - minX

	est := eyeEstimate{
		center:     [2]float64{cx, cy},
		iris:       [2]float64{ix, iy},
		irisRadius: e.cfg.IrisRadiusRatio * eyeWidth,
		eyeWidth:   eyeWidth,
	}

	confidence := 1.0
	if e.cfg.MinEyeWidth > 0 && eyeWidth < e.cfg.MinEyeWidth {
		confidence *= math.Max(0, eyeWidth) / e.cfg.MinEyeWidth
	}
	est.insideBound = ix >= minX && ix <= maxX && iy >= minY && iy <= maxY
	if !est.insideBound {
		confidence *= outOfBoxPenalty
	}

	ppd := e.cfg.PixelsPerDegree
	if ppd <= 0 {
		ppd = 1
	}
	horiz := (ix - cx) / ppd * math.Pi / 180
	vert := (iy - cy) / ppd * math.Pi / 180
	est.vector = model.GazeVector{
		X:          math.Sin(horiz) * math.Cos(vert),
		Y:          math.Sin(vert),
		Z:          math.Cos(horiz) * math.Cos(vert),
		Confidence: confidence,
	}
	return est
}

// combine fuses both eyes by confidence weight. A degenerate result is the
// zero vector with zero confidence.
func combine(left, right eyeEstimate) model.GazeVector {
	lw, rw := left.vector.Confidence, right.vector.Confidence
	total := lw + rw
	if total <= 0 {
		return model.GazeVector{}
	}
	x := (lw*left.vector.X + rw*right.vector.X) / total
	y := (lw*left.vector.Y + rw*right.vector.Y) / total
	z := (lw*left.vector.Z + rw*right.vector.Z) / total
	norm := math.Sqrt(x*x + y*y + z*z)
	if norm < eps {
		return model.GazeVector{}
	}
	return model.GazeVector{
		X:          x / norm,
		Y:          y / norm,
		Z:          z / norm,
		Confidence: math.Min(1, total/2),
	}
}

func (e *Estimator) project(v model.GazeVector) model.GazePoint {
	cx, cy := e.cfg.ScreenWidth/2, e.cfg.ScreenHeight/2
	if e.cal.IsCalibrated() {
		x, y, ok := e.cal.Project(v)
		if !ok {
			x, y = cx, cy
		}
		return model.GazePoint{ScreenX: x, ScreenY: y, Confidence: v.Confidence, Calibrated: true}
	}

	confidence := v.Confidence * (1 - e.cfg.UncalibratedPenalty)
	if v.Z <= eps {
		return model.GazePoint{ScreenX: cx, ScreenY: cy, Confidence: confidence}
	}
	x := cx + v.X/v.Z*e.cfg.ViewingDistance
	y := cy + v.Y/v.Z*e.cfg.ViewingDistance
	cxl := math.Min(e.cfg.ScreenWidth, math.Max(0, x))
	cyl := math.Min(e.cfg.ScreenHeight, math.Max(0, y))
	return model.GazePoint{
		ScreenX:    cxl,
		ScreenY:    cyl,
		Confidence: confidence,
		Clamped:    cxl != x || cyl != y,
	}
}

// IsGazeOnScreen is false for undetected, clamped, out of bounds or low
// confidence points.
func (e *Estimator) IsGazeOnScreen(p model.GazePoint) bool {
	if !p.Detected || p.Clamped {
		return false
	}
	if p.ScreenX < 0 || p.ScreenX > e.cfg.ScreenWidth || p.ScreenY < 0 || p.ScreenY > e.cfg.ScreenHeight {
		return false
	}
	return p.Confidence >= e.cfg.OnScreenConfidence
}

// AddCalibrationPoint records a pair and reports whether the estimator is
// calibrated afterwards.
func (e *Estimator) AddCalibrationPoint(screen model.ScreenPoint, v model.GazeVector) bool {
	return e.cal.AddPoint(screen, v)
}

// LastVector is the fused vector of the most recent detected estimate.
func (e *Estimator) LastVector() (model.GazeVector, bool) {
	if e.last == nil {
		return model.GazeVector{}, false
	}
	return *e.last, true
}

func (e *Estimator) IsCalibrated() bool {
	return e.cal.IsCalibrated()
}

func (e *Estimator) Calibration() *Calibration {
	return e.cal
}

func (e *Estimator) Profile(id string, ts time.Time) model.CalibrationProfile {
	return e.cal.Profile(id, e.cfg.ScreenWidth, e.cfg.ScreenHeight, ts)
}

func (e *Estimator) LoadProfile(p model.CalibrationProfile) error {
	return e.cal.Load(p)
}

func (e *Estimator) ResetCalibration() {
	e.cal.Reset()
}

// Reset drops smoothing state; calibration survives.
func (e *Estimator) Reset() {
	e.prev = nil
	e.last = nil
}
