package gaze

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"proctorguard/internal/model"
	"proctorguard/internal/stability"
)

const (
	minCalibrationPoints = 4
	maxCalibrationPoints = 64
	rankTolerance        = 1e-10
	eps                  = 1e-9
)

var ErrInvalidProfile = errors.New("invalid calibration profile")

var identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

type calibrationPoint struct {
	screen model.ScreenPoint
	vector model.GazeVector
}

// Calibration maps gaze vectors to screen pixels through a 3x3 homography
// fitted to collected (screen point, gaze vector) pairs.
type Calibration struct {
	points       *stability.Ring[calibrationPoint]
	homography   [9]float64
	calibrated   bool
	quality      float64
	meanError    float64
	maxReprojErr float64
}

func NewCalibration(maxReprojectionError float64) *Calibration {
	return &Calibration{
		points:       stability.NewRing[calibrationPoint](maxCalibrationPoints),
		homography:   identity,
		maxReprojErr: maxReprojectionError,
	}
}

// AddPoint refits with the new pair once enough pairs exist. A pair whose
// fit fails or exceeds the reprojection limit is discarded, and the previous
// homography, calibration state and stored pairs stay untouched.
func (c *Calibration) AddPoint(screen model.ScreenPoint, v model.GazeVector) bool {
	p := calibrationPoint{screen: screen, vector: v}
	if c.points.Len()+1 < minCalibrationPoints {
		c.points.Push(p)
		return c.calibrated
	}
	candidate := c.points.Items()
	if len(candidate) == c.points.Cap() {
		candidate = candidate[1:]
	}
	candidate = append(candidate, p)
	h, meanErr, err := fitHomography(candidate)
	if err != nil || (c.maxReprojErr > 0 && meanErr > c.maxReprojErr) {
		return c.calibrated
	}
	c.points.Push(p)
	c.homography = h
	c.meanError = meanErr
	c.quality = 1 / (1 + meanErr)
	c.calibrated = true
	return true
}

func (c *Calibration) IsCalibrated() bool {
	return c.calibrated
}

func (c *Calibration) Points() int {
	return c.points.Len()
}

func (c *Calibration) Quality() float64 {
	return c.quality
}

func (c *Calibration) MeanError() float64 {
	return c.meanError
}

func (c *Calibration) Homography() [9]float64 {
	return c.homography
}

// Project applies the homography. ok is false when the projective scale
// vanishes.
func (c *Calibration) Project(v model.GazeVector) (x, y float64, ok bool) {
	return apply(c.homography, v.X, v.Y, v.Z)
}

func (c *Calibration) Reset() {
	c.points.Reset()
	c.homography = identity
	c.calibrated = false
	c.quality = 0
	c.meanError = 0
}

func (c *Calibration) Profile(id string, width, height float64, ts time.Time) model.CalibrationProfile {
	return model.CalibrationProfile{
		ID:           id,
		Homography:   c.homography,
		ScreenWidth:  width,
		ScreenHeight: height,
		Quality:      c.quality,
		Points:       c.points.Len(),
		Timestamp:    ts,
	}
}

func (c *Calibration) Load(p model.CalibrationProfile) error {
	var norm float64
	for _, v := range p.Homography {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite homography", ErrInvalidProfile)
		}
		norm += v * v
	}
	if norm < eps {
		return fmt.Errorf("%w: zero homography", ErrInvalidProfile)
	}
	c.points.Reset()
	c.homography = p.Homography
	c.quality = p.Quality
	c.meanError = 0
	if p.Quality > 0 {
		c.meanError = 1/p.Quality - 1
	}
	c.calibrated = true
	return nil
}

func apply(h [9]float64, x, y, z float64) (float64, float64, bool) {
	u := h[0]*x + h[1]*y + h[2]*z
	v := h[3]*x + h[4]*y + h[5]*z
	w := h[6]*x + h[7]*y + h[8]*z
	if math.Abs(w) < eps {
		return 0, 0, false
	}
	px, py := u/w, v/w
	if math.IsNaN(px) || math.IsNaN(py) || math.IsInf(px, 0) || math.IsInf(py, 0) {
		return 0, 0, false
	}
	return px, py, true
}

type similarity struct {
	scale, cx, cy float64
}

// normalizer translates points to their centroid and scales them to a mean
// distance of sqrt(2).
func normalizer(xs, ys []float64) (similarity, error) {
	n := float64(len(xs))
	var cx, cy float64
	for i := range xs {
		cx += xs[i]
		cy += ys[i]
	}
	cx /= n
	cy /= n
	var d float64
	for i := range xs {
		d += math.Hypot(xs[i]-cx, ys[i]-cy)
	}
	d /= n
	if d < eps {
		return similarity{}, errors.New("coincident points")
	}
	return similarity{scale: math.Sqrt2 / d, cx: cx, cy: cy}, nil
}

func (s similarity) matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		s.scale, 0, -s.scale * s.cx,
		0, s.scale, -s.scale * s.cy,
		0, 0, 1,
	})
}

func (s similarity) inverse() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / s.scale, 0, s.cx,
		0, 1 / s.scale, s.cy,
		0, 0, 1,
	})
}

// fitHomography solves the normalized direct linear transform by SVD and
// returns the mean reprojection error in pixels.
func fitHomography(points []calibrationPoint) ([9]float64, float64, error) {
	var srcX, srcY, dstX, dstY []float64
	var used []calibrationPoint
	for _, p := range points {
		if math.Abs(p.vector.Z) < eps {
			continue
		}
		srcX = append(srcX, p.vector.X/p.vector.Z)
		srcY = append(srcY, p.vector.Y/p.vector.Z)
		dstX = append(dstX, p.screen.X)
		dstY = append(dstY, p.screen.Y)
		used = append(used, p)
	}
	if len(used) < minCalibrationPoints {
		return identity, 0, errors.New("not enough usable points")
	}

	src, err := normalizer(srcX, srcY)
	if err != nil {
		return identity, 0, err
	}
	dst, err := normalizer(dstX, dstY)
	if err != nil {
		return identity, 0, err
	}

	a := mat.NewDense(2*len(used), 9, nil)
	for i := range used {
		x := (srcX[i] - src.cx) * src.scale
		y := (srcY[i] - src.cy) * src.scale
		u := (dstX[i] - dst.cx) * dst.scale
		v := (dstY[i] - dst.cy) * dst.scale
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return identity, 0, errors.New("svd did not converge")
	}
	values := svd.Values(nil)
	if len(values) < 8 || values[0] < eps || values[7]/values[0] < rankTolerance {
		return identity, 0, errors.New("degenerate point configuration")
	}
	var v mat.Dense
	svd.VTo(&v)
	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var tmp, full mat.Dense
	tmp.Mul(dst.inverse(), hn)
	full.Mul(&tmp, src.matrix())

	scale := full.At(2, 2)
	if math.Abs(scale) < eps {
		scale = mat.Norm(&full, 2)
	}
	var h [9]float64
	for i := 0; i < 9; i++ {
		h[i] = full.At(i/3, i%3) / scale
	}

	var total float64
	for _, p := range used {
		px, py, ok := apply(h, p.vector.X, p.vector.Y, p.vector.Z)
		if !ok {
			return identity, 0, errors.New("training point projects to infinity")
		}
		total += math.Hypot(px-p.screen.X, py-p.screen.Y)
	}
	return h, total / float64(len(used)), nil
}
