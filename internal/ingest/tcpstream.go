package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

// StartTCPStream accepts JSONL packet streams, one capture client per
// connection. Connections beyond MaxConns are closed on accept.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- normalize.Packet, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "addr", current.Addr, "err", err)
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String(), "max_conns", current.MaxConns)
	}
	src := lineSource{name: "tcp_stream", cfg: cfg, parser: parser, out: out, logger: logger}
	slots := make(chan struct{}, max(1, current.MaxConns))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				src.warn("tcp stream accept error", "err", err)
				if !BackoffSleep(ctx, 50*time.Millisecond) {
					return
				}
				continue
			}
			select {
			case slots <- struct{}{}:
			default:
				src.warn("tcp stream connection limit reached", "remote", conn.RemoteAddr().String())
				_ = conn.Close()
				continue
			}
			go func() {
				defer func() { <-slots }()
				src.serveConn(ctx, conn, current.ReadTimeout)
			}()
		}
	}()
}

// serveConn reads packets until the client hangs up, stays silent longer
// than idle, or ctx ends. It reports how many packets were forwarded.
func (s lineSource) serveConn(ctx context.Context, conn net.Conn, idle time.Duration) (accepted, rejected int) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxLine())
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		if !scanner.Scan() {
			break
		}
		pkt, err := s.packet(scanner.Text(), "")
		if err != nil {
			rejected++
			s.warn("tcp stream packet rejected", "remote", remote, "err", err)
			continue
		}
		if pkt == nil {
			continue
		}
		if SendNonBlocking(ctx, s.out, *pkt, s.logger) {
			accepted++
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.warn("tcp stream read error", "remote", remote, "err", err)
	}
	if s.logger != nil {
		s.logger.Info("tcp stream connection closed", "remote", remote, "accepted", accepted, "rejected", rejected)
	}
	return accepted, rejected
}
