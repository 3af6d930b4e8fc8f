// Package objects finds secondary faces and handheld-device-like rectangles
// in a frame with pixel heuristics and tracks them across frames.
package objects

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"proctorguard/internal/config"
	"proctorguard/internal/imaging"
	"proctorguard/internal/model"
)

var ErrEmptyFrame = imaging.ErrEmptyFrame

type Detector struct {
	cfg      config.ObjectsConfig
	frame    int
	prevLuma []float64
	prevW    int
	prevH    int
	faces    *tracker
	devices  *tracker
}

func NewDetector(cfg config.ObjectsConfig) *Detector {
	return &Detector{
		cfg:     cfg,
		faces:   newTracker(model.RegionFace, cfg.TrackCellSize, cfg.HistoryLength),
		devices: newTracker(model.RegionDevice, cfg.TrackCellSize, cfg.HistoryLength),
	}
}

// UpdateConfig swaps thresholds; tracks are rebuilt when the index geometry
// changes.
func (d *Detector) UpdateConfig(cfg config.ObjectsConfig) {
	rebuild := cfg.TrackCellSize != d.cfg.TrackCellSize || cfg.HistoryLength != d.cfg.HistoryLength
	d.cfg = cfg
	if rebuild {
		d.faces = newTracker(model.RegionFace, cfg.TrackCellSize, cfg.HistoryLength)
		d.devices = newTracker(model.RegionDevice, cfg.TrackCellSize, cfg.HistoryLength)
	}
}

// Detect scans one frame. primary, when set, is the subject's own face and
// is excluded from the secondary face search.
func (d *Detector) Detect(frame *imaging.Frame, primary *model.Rect) (model.ObjectDetections, error) {
	if frame == nil || frame.Empty() {
		return model.ObjectDetections{}, ErrEmptyFrame
	}
	d.frame++
	luma := frame.Luma()

	faces := d.findFaces(frame, luma, primary)
	devices := d.findDevices(frame, luma)

	out := model.ObjectDetections{
		SecondaryFaces:    d.faces.update(faces, d.frame, d.cfg.MinConsecutiveFrames, d.cfg.MaxAge),
		DeviceLikeObjects: d.devices.update(devices, d.frame, d.cfg.MinConsecutiveFrames, d.cfg.MaxAge),
	}

	d.prevLuma = append(d.prevLuma[:0], luma...)
	d.prevW, d.prevH = frame.Width, frame.Height
	return out, nil
}

// Tracks is the number of live face and device tracks.
func (d *Detector) Tracks() (faces, devices int) {
	return d.faces.len(), d.devices.len()
}

func (d *Detector) Reset() {
	d.faces.reset()
	d.devices.reset()
	d.prevLuma = nil
	d.prevW, d.prevH = 0, 0
	d.frame = 0
}

func isSkin(r, g, b uint8) bool {
	ri, gi, bi := int(r), int(g), int(b)
	hi := max(ri, gi, bi)
	lo := min(ri, gi, bi)
	return ri > 95 && gi > 40 && bi > 20 &&
		hi-lo > 15 &&
		abs(ri-gi) > 15 &&
		ri > gi && ri > bi
}

func (d *Detector) findFaces(frame *imaging.Frame, luma []float64, primary *model.Rect) []candidate {
	g := newGrid(frame.Width, frame.Height, d.cfg.GridStride, func(x, y int) bool {
		return isSkin(frame.RGB(x, y))
	})
	total := float64(frame.Width * frame.Height)
	var out []candidate
	for _, c := range g.components() {
		area := float64(c.cells*g.stride*g.stride) / total
		if area < d.cfg.MinFaceArea || area > d.cfg.MaxFaceArea {
			continue
		}
		box := g.box(c, frame.Width, frame.Height)
		if primary != nil && !primary.Empty() && box.OverlapFraction(*primary) > d.cfg.PrimaryOverlap {
			continue
		}
		conf := d.faceConfidence(luma, frame.Width, box)
		if conf < d.cfg.MinFaceConfidence {
			continue
		}
		out = append(out, candidate{box: box, confidence: conf})
	}
	return out
}

// featureBoxes are the expected eye and mouth positions as fractions of a
// face box: x0, y0, x1, y1.
var featureBoxes = [3][4]float64{
	{0.15, 0.25, 0.40, 0.45},
	{0.60, 0.25, 0.85, 0.45},
	{0.30, 0.65, 0.70, 0.85},
}

const idealFaceAspect = 0.75

func (d *Detector) faceConfidence(luma []float64, width int, box model.Rect) float64 {
	aspect := box.W / box.H
	aspectScore := clamp01(1 - math.Abs(aspect-idealFaceAspect)/idealFaceAspect)

	regionMean := meanIn(luma, width, box)
	dark := 0
	for _, f := range featureBoxes {
		sub := model.Rect{
			X: box.X + f[0]*box.W,
			Y: box.Y + f[1]*box.H,
			W: (f[2] - f[0]) * box.W,
			H: (f[3] - f[1]) * box.H,
		}
		if meanIn(luma, width, sub) < d.cfg.DarkFeatureRatio*regionMean {
			dark++
		}
	}
	return clamp01(0.4*aspectScore + 0.6*float64(dark)/float64(len(featureBoxes)))
}

func (d *Detector) findDevices(frame *imaging.Frame, luma []float64) []candidate {
	w, h := frame.Width, frame.Height
	g := newGrid(w, h, d.cfg.GridStride, func(x, y int) bool {
		return luma[y*w+x] > d.cfg.BrightThreshold
	})
	comps := g.components()
	if len(comps) == 0 {
		return nil
	}
	edges := imaging.Sobel(luma, w, h)
	total := float64(w * h)

	var out []candidate
	for _, c := range comps {
		box := g.box(c, w, h)
		area := box.Area() / total
		if area < d.cfg.MinDeviceArea || area > d.cfg.MaxDeviceArea {
			continue
		}
		aspect := math.Min(box.W, box.H) / math.Max(box.W, box.H)
		if aspect < d.cfg.MinDeviceAspect || aspect > d.cfg.MaxDeviceAspect {
			continue
		}
		if !d.rectangular(edges, w, h, box) {
			continue
		}

		aspectFit := clamp01(1 - math.Abs(aspect-d.cfg.IdealDeviceAspect)/d.cfg.IdealDeviceAspect)
		motion := d.motion(luma, w, h, box)
		highlight := d.highlight(luma, w, box)
		wts := d.cfg.Weights
		conf := clamp01(wts.Aspect*aspectFit + wts.Motion*motion + wts.Highlight*highlight)
		if conf < d.cfg.MinDeviceConfidence {
			continue
		}
		out = append(out, candidate{box: box, confidence: conf, motion: motion, highlight: highlight})
	}
	return out
}

// rectangular requires every side of box to have edge pixels within a
// one-stride band along at least MinEdgeCoverage of its length.
func (d *Detector) rectangular(edges []float64, w, h int, box model.Rect) bool {
	s := max(1, d.cfg.GridStride)
	x0, y0 := int(box.X), int(box.Y)
	x1, y1 := int(box.X+box.W)-1, int(box.Y+box.H)-1

	hit := func(x, y int, horizontal bool) bool {
		for o := -s; o <= s; o++ {
			px, py := x, y+o
			if !horizontal {
				px, py = x+o, y
			}
			if px < 0 || py < 0 || px >= w || py >= h {
				continue
			}
			if edges[py*w+px] > d.cfg.EdgeThreshold {
				return true
			}
		}
		return false
	}
	side := func(from, to, fixed int, horizontal bool) float64 {
		hits, samples := 0, 0
		for p := from; p <= to; p += s {
			samples++
			x, y := p, fixed
			if !horizontal {
				x, y = fixed, p
			}
			if hit(x, y, horizontal) {
				hits++
			}
		}
		if samples == 0 {
			return 0
		}
		return float64(hits) / float64(samples)
	}

	need := d.cfg.MinEdgeCoverage
	return side(x0, x1, y0, true) >= need &&
		side(x0, x1, y1, true) >= need &&
		side(y0, y1, x0, false) >= need &&
		side(y0, y1, x1, false) >= need
}

func (d *Detector) motion(luma []float64, w, h int, box model.Rect) float64 {
	if d.prevLuma == nil || d.prevW != w || d.prevH != h || d.cfg.MotionScale <= 0 {
		return 0
	}
	var sum float64
	n := 0
	forRows(w, h, box, func(lo, hi int) {
		sum += floats.Distance(luma[lo:hi], d.prevLuma[lo:hi], 1)
		n += hi - lo
	})
	if n == 0 {
		return 0
	}
	return math.Min(1, sum/float64(n)/d.cfg.MotionScale)
}

func (d *Detector) highlight(luma []float64, w int, box model.Rect) float64 {
	if d.cfg.HighlightSaturation <= 0 {
		return 0
	}
	bright, n := 0, 0
	forEach(w, len(luma)/w, box, func(idx int) {
		if luma[idx] > d.cfg.HighlightThreshold {
			bright++
		}
		n++
	})
	if n == 0 {
		return 0
	}
	return math.Min(1, float64(bright)/float64(n)/d.cfg.HighlightSaturation)
}

func (g *grid) box(c component, width, height int) model.Rect {
	x0 := c.minX * g.stride
	y0 := c.minY * g.stride
	x1 := min((c.maxX+1)*g.stride, width)
	y1 := min((c.maxY+1)*g.stride, height)
	return model.Rect{X: float64(x0), Y: float64(y0), W: float64(x1 - x0), H: float64(y1 - y0)}
}

func forEach(w, h int, box model.Rect, fn func(idx int)) {
	x0 := max(0, int(box.X))
	y0 := max(0, int(box.Y))
	x1 := min(w, int(math.Ceil(box.X+box.W)))
	y1 := min(h, int(math.Ceil(box.Y+box.H)))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			fn(y*w + x)
		}
	}
}

// forRows calls fn with the [lo, hi) index span of each clipped row of box.
func forRows(w, h int, box model.Rect, fn func(lo, hi int)) {
	x0 := max(0, int(box.X))
	x1 := min(w, int(math.Ceil(box.X+box.W)))
	if x1 <= x0 {
		return
	}
	for y := max(0, int(box.Y)); y < min(h, int(math.Ceil(box.Y+box.H))); y++ {
		fn(y*w+x0, y*w+x1)
	}
}

func meanIn(luma []float64, w int, box model.Rect) float64 {
	var sum float64
	n := 0
	forRows(w, len(luma)/w, box, func(lo, hi int) {
		sum += floats.Sum(luma[lo:hi])
		n += hi - lo
	})
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
