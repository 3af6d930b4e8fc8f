// Package sink drains flags, frame records and window metrics to storage
// and the flag stream without blocking the frame loop.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/storage"
)

const frameBatch = 128

type kind int

const (
	kindFlag kind = iota
	kindFrame
	kindMetrics
)

type item struct {
	kind    kind
	flag    model.FlagEvent
	frame   model.FrameRecord
	session string
	metrics []model.WindowMetrics
}

type Writer struct {
	store        storage.Store
	pub          Publisher
	logger       *slog.Logger
	recordFrames bool
	timeout      time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan item
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewWriter starts the drain goroutine. store and pub may be nil.
func NewWriter(cfg config.SinkConfig, store storage.Store, pub Publisher, logger *slog.Logger) *Writer {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	w := &Writer{
		store:        store,
		pub:          pub,
		logger:       logger,
		recordFrames: cfg.RecordFrames,
		timeout:      5 * time.Second,
		queue:        make(chan item, size),
		done:         make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) Flag(f model.FlagEvent) {
	w.enqueue(item{kind: kindFlag, flag: f})
}

func (w *Writer) Frame(r model.FrameRecord) {
	if !w.recordFrames || w.store == nil {
		return
	}
	w.enqueue(item{kind: kindFrame, frame: r})
}

func (w *Writer) Metrics(session string, m []model.WindowMetrics) {
	if w.store == nil || len(m) == 0 {
		return
	}
	w.enqueue(item{kind: kindMetrics, session: session, metrics: m})
}

func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Writer) Written() uint64 {
	return w.written.Load()
}

func (w *Writer) enqueue(it item) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- it:
	default:
		w.dropped.Add(1)
		if w.logger != nil {
			w.logger.Warn("sink queue full, dropping record", "kind", it.kind.String(), "session_id", it.sessionID())
		}
	}
}

// Close stops accepting records and blocks until the queue is drained.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
	if w.pub != nil {
		return w.pub.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	frames := make([]model.FrameRecord, 0, frameBatch)
	for it := range w.queue {
		switch it.kind {
		case kindFlag:
			w.writeFlag(it.flag)
		case kindFrame:
			frames = append(frames, it.frame)
		case kindMetrics:
			w.writeMetrics(it.session, it.metrics)
		}
		if len(frames) >= frameBatch || (len(frames) > 0 && len(w.queue) == 0) {
			w.writeFrames(frames)
			frames = frames[:0]
		}
	}
	if len(frames) > 0 {
		w.writeFrames(frames)
	}
}

func (w *Writer) writeFlag(f model.FlagEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if w.store != nil {
		if err := w.store.SaveFlag(ctx, f); err != nil {
			w.warn("save flag failed", err, "session_id", f.SessionID, "flag_id", f.ID)
		} else {
			w.written.Add(1)
		}
	}
	if w.pub != nil {
		if err := w.pub.Publish(ctx, f); err != nil {
			w.warn("publish flag failed", err, "session_id", f.SessionID, "flag_id", f.ID)
		}
	}
}

func (w *Writer) writeFrames(frames []model.FrameRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.SaveFrames(ctx, frames); err != nil {
		w.warn("save frames failed", err, "count", len(frames))
		return
	}
	w.written.Add(uint64(len(frames)))
}

func (w *Writer) writeMetrics(session string, m []model.WindowMetrics) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.SaveMetrics(ctx, session, m); err != nil {
		w.warn("save metrics failed", err, "session_id", session)
		return
	}
	w.written.Add(uint64(len(m)))
}

func (w *Writer) warn(msg string, err error, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Warn(msg, append(args, "err", err)...)
}

func (k kind) String() string {
	switch k {
	case kindFlag:
		return "flag"
	case kindFrame:
		return "frame"
	case kindMetrics:
		return "metrics"
	}
	return "unknown"
}

func (it item) sessionID() string {
	switch it.kind {
	case kindFlag:
		return it.flag.SessionID
	case kindFrame:
		return it.frame.SessionID
	}
	return it.session
}
