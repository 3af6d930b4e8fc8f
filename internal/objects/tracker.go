package objects

import (
	"math"
	"sort"

	"proctorguard/internal/model"
	"proctorguard/internal/stability"
)

type candidate struct {
	box        model.Rect
	confidence float64
	motion     float64
	highlight  float64
}

type cellKey struct {
	x, y int
}

type track struct {
	region    model.DetectedRegion
	motion    *stability.Ring[float64]
	highlight *stability.Ring[float64]
}

// tracker associates per-frame candidates with persistent regions through a
// uniform cell index. Candidates match the nearest unclaimed track whose
// center lies within one and a half cells, searching the 3x3 neighborhood.
type tracker struct {
	kind     model.RegionKind
	cellSize float64
	history  int
	nextID   int
	tracks   map[int]*track
	index    map[cellKey][]int
}

func newTracker(kind model.RegionKind, cellSize float64, history int) *tracker {
	if cellSize <= 0 {
		cellSize = 32
	}
	if history < 1 {
		history = 1
	}
	return &tracker{
		kind:     kind,
		cellSize: cellSize,
		history:  history,
		tracks:   make(map[int]*track),
		index:    make(map[cellKey][]int),
	}
}

func (t *tracker) cellOf(r model.Rect) cellKey {
	cx, cy := r.Center()
	return cellKey{x: int(math.Floor(cx / t.cellSize)), y: int(math.Floor(cy / t.cellSize))}
}

func (t *tracker) lookup(r model.Rect, claimed map[int]bool) (*track, bool) {
	cx, cy := r.Center()
	home := t.cellOf(r)
	gate := 1.5 * t.cellSize
	var best *track
	bestDist := math.Inf(1)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, id := range t.index[cellKey{x: home.x + dx, y: home.y + dy}] {
				if claimed[id] {
					continue
				}
				tr := t.tracks[id]
				tx, ty := tr.region.BoundingBox.Center()
				d := math.Hypot(cx-tx, cy-ty)
				if d <= gate && d < bestDist {
					best, bestDist = tr, d
				}
			}
		}
	}
	return best, best != nil
}

// update folds this frame's candidates into the tracks, evicts tracks unseen
// for more than maxAge frames and returns the regions seen this frame.
func (t *tracker) update(cands []candidate, frame, minConsecutive, maxAge int) []model.DetectedRegion {
	claimed := make(map[int]bool, len(cands))
	seen := make([]*track, 0, len(cands))
	for _, c := range cands {
		tr, ok := t.lookup(c.box, claimed)
		if ok {
			tr.region.BoundingBox = c.box
			tr.region.Confidence = math.Max(tr.region.Confidence, c.confidence)
			tr.region.ConsecutiveFramesSeen++
		} else {
			t.nextID++
			tr = &track{
				region: model.DetectedRegion{
					ID:                    t.nextID,
					Kind:                  t.kind,
					BoundingBox:           c.box,
					Confidence:            c.confidence,
					ConsecutiveFramesSeen: 1,
				},
				motion:    stability.NewRing[float64](t.history),
				highlight: stability.NewRing[float64](t.history),
			}
			t.tracks[tr.region.ID] = tr
		}
		claimed[tr.region.ID] = true
		tr.region.LastSeenFrame = frame
		tr.region.Detected = tr.region.ConsecutiveFramesSeen >= minConsecutive
		if t.kind == model.RegionDevice {
			tr.motion.Push(c.motion)
			tr.highlight.Push(c.highlight)
		}
		seen = append(seen, tr)
	}

	for id, tr := range t.tracks {
		if frame-tr.region.LastSeenFrame > maxAge {
			delete(t.tracks, id)
		}
	}
	t.reindex()

	out := make([]model.DetectedRegion, 0, len(seen))
	for _, tr := range seen {
		r := tr.region
		if tr.motion.Len() > 0 {
			r.MotionHistory = tr.motion.Items()
			r.HighlightHistory = tr.highlight.Items()
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tracker) reindex() {
	clear(t.index)
	for id, tr := range t.tracks {
		k := t.cellOf(tr.region.BoundingBox)
		t.index[k] = append(t.index[k], id)
	}
}

func (t *tracker) len() int {
	return len(t.tracks)
}

func (t *tracker) reset() {
	clear(t.tracks)
	clear(t.index)
	t.nextID = 0
}
