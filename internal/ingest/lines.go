package ingest

import (
	"log/slog"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

// lineSource turns newline-delimited JSON packets into normalized frames for
// one named source. TCP streams and replay files share it.
type lineSource struct {
	name   string
	cfg    *config.Manager
	parser *Parser
	out    chan<- normalize.Packet
	logger *slog.Logger
}

// maxLine bounds a single packet line. Base64 images inflate by a third, so
// twice the image limit plus room for landmarks is enough.
func (s lineSource) maxLine() int {
	return s.cfg.Get().Ingest.Packet.MaxImageBytes*2 + 1<<20
}

// packet returns nil, nil for lines that carry nothing (blank, comments).
// fallbackSession fills in a missing session id before normalization.
func (s lineSource) packet(line, fallbackSession string) (*normalize.Packet, error) {
	fields, err := s.parser.ParseLine(line)
	if err != nil || fields == nil {
		return nil, err
	}
	if fields.SessionID == "" {
		fields.SessionID = fallbackSession
	}
	pkt, err := normalize.Normalize(*fields, s.cfg.Get())
	if err != nil {
		return nil, err
	}
	pkt.Source = s.name
	return &pkt, nil
}

func (s lineSource) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, append([]any{"source", s.name}, args...)...)
	}
}
