// Package testutil builds synthetic landmark sets and frames for tests.
package testutil

import (
	"math"

	"proctorguard/internal/model"
)

const (
	eyeHalfWidth  = 0.04
	eyeHalfHeight = 0.012
)

// FrontalFace returns a level, centered face: eyes at y=0.4, nose at the
// midline, chin centered below. Nose-to-chin is 60% of eye-to-chin.
func FrontalFace() model.LandmarkSet {
	set := make(model.LandmarkSet, model.LandmarkCount)
	for i := range set {
		set[i] = model.Point3D{X: 0.5, Y: 0.55}
	}
	set[model.NoseTip] = model.Point3D{X: 0.5, Y: 0.5, Z: -0.05}
	set[model.Chin] = model.Point3D{X: 0.5, Y: 0.65}
	set[model.MouthLeft] = model.Point3D{X: 0.44, Y: 0.57}
	set[model.MouthRight] = model.Point3D{X: 0.56, Y: 0.57}
	set[model.LeftEar] = model.Point3D{X: 0.3, Y: 0.45, Z: 0.05}
	set[model.RightEar] = model.Point3D{X: 0.7, Y: 0.45, Z: 0.05}
	placeEye(set, model.LeftEyeContour, 0.4, 0.4)
	placeEye(set, model.RightEyeContour, 0.6, 0.4)
	return set
}

func placeEye(set model.LandmarkSet, contour []int, cx, cy float64) {
	n := float64(len(contour))
	for k, idx := range contour {
		theta := math.Pi + 2*math.Pi*float64(k)/n
		set[idx] = model.Point3D{
			X: cx + eyeHalfWidth*math.Cos(theta),
			Y: cy - eyeHalfHeight*math.Sin(theta),
		}
	}
}

// Clone copies a landmark set.
func Clone(set model.LandmarkSet) model.LandmarkSet {
	return append(model.LandmarkSet(nil), set...)
}

// ShiftNose moves the nose tip horizontally by dx (normalized units).
func ShiftNose(set model.LandmarkSet, dx float64) model.LandmarkSet {
	out := Clone(set)
	out[model.NoseTip].X += dx
	return out
}

// Rotate rotates every point by deg degrees around (cx, cy) in an image of
// the given aspect (width/height), preserving pixel-space angles.
func Rotate(set model.LandmarkSet, deg, cx, cy, aspect float64) model.LandmarkSet {
	out := Clone(set)
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	for i, p := range out {
		dx := (p.X - cx) * aspect
		dy := p.Y - cy
		out[i].X = cx + (dx*c-dy*s)/aspect
		out[i].Y = cy + dx*s + dy*c
	}
	return out
}

// Look moves both irises (lid midpoints) by (dx, dy) normalized units.
func Look(set model.LandmarkSet, dx, dy float64) model.LandmarkSet {
	out := Clone(set)
	for _, idx := range []int{model.LeftEyeTop, model.LeftEyeBottom, model.RightEyeTop, model.RightEyeBottom} {
		out[idx].X += dx
		out[idx].Y += dy
	}
	return out
}

// Scale shrinks or grows the whole face around its center.
func Scale(set model.LandmarkSet, factor float64) model.LandmarkSet {
	out := Clone(set)
	for i, p := range out {
		out[i].X = 0.5 + (p.X-0.5)*factor
		out[i].Y = 0.5 + (p.Y-0.5)*factor
	}
	return out
}
