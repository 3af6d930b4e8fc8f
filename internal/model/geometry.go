package model

import (
	"errors"
	"math"
)

// ErrInvalidLandmarks reports a present landmark set of the wrong size.
var ErrInvalidLandmarks = errors.New("invalid landmark set")

type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// LandmarkSet holds normalized face mesh points. A nil or empty set means no
// face was found; any other length than LandmarkCount is a contract violation.
type LandmarkSet []Point3D

func (l LandmarkSet) Present() bool {
	return len(l) > 0
}

func (l LandmarkSet) Valid() bool {
	return len(l) == LandmarkCount
}

// Bounds returns the pixel bounding box of the set for an image of the given size.
func (l LandmarkSet) Bounds(width, height int) Rect {
	if len(l) == 0 {
		return Rect{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range l {
		x := p.X * float64(width)
		y := p.Y * float64(height)
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}
	return Rect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// Rect is an axis-aligned box in pixel coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

func (r Rect) Center() (x, y float64) {
	return r.X + r.W/2, r.Y + r.H/2
}

func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.W, o.X+o.W)
	y1 := math.Min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// OverlapFraction is the share of r covered by o.
func (r Rect) OverlapFraction(o Rect) float64 {
	area := r.Area()
	if area == 0 {
		return 0
	}
	return r.Intersect(o).Area() / area
}
