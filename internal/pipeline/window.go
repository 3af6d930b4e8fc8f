package pipeline

import (
	"time"

	"proctorguard/internal/model"
)

type FrameEntry struct {
	Timestamp      time.Time
	EyesOn         bool
	FacePresent    bool
	GazeConfidence float64
	Flags          int
}

// WindowState keeps running attention totals over a trailing time window.
type WindowState struct {
	duration    time.Duration
	entries     []FrameEntry
	head        int
	frames      int
	eyesOn      int
	facePresent int
	confSum     float64
	flags       int
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration: duration,
		entries:  make([]FrameEntry, 0, 128),
	}
}

func (w *WindowState) Add(e FrameEntry) {
	w.entries = append(w.entries, e)
	w.frames++
	if e.EyesOn {
		w.eyesOn++
	}
	if e.FacePresent {
		w.facePresent++
	}
	w.confSum += e.GazeConfidence
	w.flags += e.Flags
}

func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if !e.Timestamp.Before(cutoff) {
			break
		}
		w.frames--
		if e.EyesOn {
			w.eyesOn--
		}
		if e.FacePresent {
			w.facePresent--
		}
		w.confSum -= e.GazeConfidence
		w.flags -= e.Flags
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append([]FrameEntry{}, w.entries[w.head:]...)
		w.head = 0
	}
	if w.frames == 0 {
		w.confSum = 0
	}
}

func (w *WindowState) Metrics(risk float64) model.WindowMetrics {
	wm := model.WindowMetrics{
		WindowSec: int(w.duration.Seconds()),
		Frames:    w.frames,
		Flags:     w.flags,
		RiskScore: risk,
	}
	if w.frames > 0 {
		n := float64(w.frames)
		wm.EyesOnRatio = float64(w.eyesOn) / n
		wm.FacePresentRatio = float64(w.facePresent) / n
		wm.MeanGazeConfidence = max(0, w.confSum/n)
	}
	wm.Jitter = varianceDelta(w.entries, w.head)
	return wm
}

func (w *WindowState) Reset() {
	w.entries = w.entries[:0]
	w.head = 0
	w.frames, w.eyesOn, w.facePresent, w.flags = 0, 0, 0, 0
	w.confSum = 0
}

// varianceDelta is Welford's variance over consecutive inter-arrival gaps.
func varianceDelta(entries []FrameEntry, start int) float64 {
	if len(entries)-start <= 1 {
		return 0
	}
	var n int
	var mean float64
	var m2 float64
	prev := entries[start].Timestamp
	for i := start + 1; i < len(entries); i++ {
		delta := entries[i].Timestamp.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		diff := delta - mean
		mean += diff / float64(n)
		m2 += diff * (delta - mean)
		prev = entries[i].Timestamp
	}
	if n == 0 {
		return 0
	}
	return m2 / float64(n)
}
