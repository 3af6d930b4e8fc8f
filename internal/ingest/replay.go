package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

// Gaps longer than this in a recording (a paused session) are shortened.
const maxReplayGap = 5 * time.Second

// StartReplay feeds recorded JSONL sessions back into the pipeline, one
// goroutine per file. Unlike live sources, replay blocks on a full channel
// instead of dropping packets.
func StartReplay(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- normalize.Packet, logger *slog.Logger) {
	current := cfg.Get().Ingest.Replay
	if !current.Enabled {
		if logger != nil {
			logger.Info("replay ingest disabled")
		}
		return
	}
	src := lineSource{name: "replay", cfg: cfg, parser: parser, out: out, logger: logger}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("replay ingest enabled", "path", path, "follow", current.Follow, "speed", current.Speed)
		}
		path := path
		go func() {
			sent, err := src.replay(ctx, path, current.Follow, current.Speed)
			if err != nil && !errors.Is(err, context.Canceled) {
				src.warn("replay stopped", "path", path, "sent", sent, "err", err)
				return
			}
			if logger != nil {
				logger.Info("replay finished", "path", path, "sent", sent)
			}
		}()
	}
}

func (s lineSource) replay(ctx context.Context, path string, follow bool, speed float64) (int, error) {
	f, err := s.open(ctx, path, follow)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	pace := &pacer{speed: speed, sleep: BackoffSleep}
	var (
		partial string
		offset  int64
		sent    int
	)
	for {
		chunk, err := reader.ReadString('\n')
		offset += int64(len(chunk))
		if errors.Is(err, io.EOF) {
			partial += chunk
			if !follow {
				if s.replayLine(ctx, path, partial, pace) {
					sent++
				}
				return sent, nil
			}
			if !BackoffSleep(ctx, 200*time.Millisecond) {
				return sent, ctx.Err()
			}
			// a recording that shrank was rotated or rewritten
			if info, statErr := os.Stat(path); statErr == nil && info.Size() < offset {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return sent, err
				}
				reader.Reset(f)
				offset, partial = 0, ""
			}
			continue
		}
		if err != nil {
			return sent, err
		}
		line := partial + chunk
		partial = ""
		if s.replayLine(ctx, path, line, pace) {
			sent++
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
	}
}

// open waits for the file to appear when following.
func (s lineSource) open(ctx context.Context, path string, follow bool) (*os.File, error) {
	for {
		f, err := os.Open(path)
		if err == nil || !follow {
			return f, err
		}
		s.warn("replay open failed", "path", path, "err", err)
		if !BackoffSleep(ctx, 500*time.Millisecond) {
			return nil, ctx.Err()
		}
	}
}

func (s lineSource) replayLine(ctx context.Context, path, line string, pace *pacer) bool {
	pkt, err := s.packet(line, "")
	if err != nil {
		s.warn("replay packet rejected", "path", path, "err", err)
		return false
	}
	if pkt == nil || !pace.wait(ctx, pkt.Timestamp) {
		return false
	}
	select {
	case s.out <- *pkt:
		return true
	case <-ctx.Done():
		return false
	}
}

// pacer reproduces the recorded gaps between packets, divided by speed.
// Speed <= 0 disables pacing.
type pacer struct {
	speed float64
	last  time.Time
	sleep func(context.Context, time.Duration) bool
}

func (p *pacer) wait(ctx context.Context, ts time.Time) bool {
	prev := p.last
	if ts.After(p.last) {
		p.last = ts
	}
	if p.speed <= 0 || prev.IsZero() || !ts.After(prev) {
		return ctx.Err() == nil
	}
	gap := min(time.Duration(float64(ts.Sub(prev))/p.speed), maxReplayGap)
	if gap <= 0 {
		return ctx.Err() == nil
	}
	return p.sleep(ctx, gap)
}
