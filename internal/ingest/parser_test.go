package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/normalize"
)

func TestParseJSONLine(t *testing.T) {
	p := NewParser()
	line := `{"session_id":"s1","timestamp":1772359200000,"width":640,"height":480,"landmarks":[[0.1,0.2,0],[0.3,0.4]],"tab_hidden":true,"primary_face":{"x":10,"y":20,"w":100,"h":120}}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SessionID != "s1" || fields.Timestamp != "1772359200000" {
		t.Fatalf("session/timestamp mismatch: %q %q", fields.SessionID, fields.Timestamp)
	}
	if fields.Width != 640 || fields.Height != 480 {
		t.Fatalf("size mismatch: %dx%d", fields.Width, fields.Height)
	}
	if len(fields.Landmarks) != 2 || len(fields.Landmarks[1]) != 2 {
		t.Fatalf("landmarks: %v", fields.Landmarks)
	}
	if fields.TabHidden == nil || !*fields.TabHidden {
		t.Fatalf("tab_hidden missing")
	}
	if fields.PrimaryFace == nil || fields.PrimaryFace.W != 100 {
		t.Fatalf("primary_face: %+v", fields.PrimaryFace)
	}
}

func TestParseAliasesAndNulls(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine(`{"Session":"s2","ts":"2026-03-01T10:00:00Z","mesh":[{"x":0.5,"y":0.5,"z":-0.1}],"hidden":null}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.SessionID != "s2" || fields.Timestamp != "2026-03-01T10:00:00Z" {
		t.Fatalf("alias mismatch: %+v", fields)
	}
	if len(fields.Landmarks) != 1 || fields.Landmarks[0][2] != -0.1 {
		t.Fatalf("object landmarks: %v", fields.Landmarks)
	}
	if fields.TabHidden != nil {
		t.Fatalf("null tab_hidden should stay absent")
	}

	fields, err = p.ParseLine(`{"session_id":"s3","landmarks":null}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Landmarks != nil {
		t.Fatalf("null landmarks should stay absent")
	}
}

func TestParseSkipsAndRejects(t *testing.T) {
	p := NewParser()
	for _, line := range []string{"", "   ", "# recorded 2026-03-01"} {
		fields, err := p.ParseLine(line)
		if err != nil || fields != nil {
			t.Fatalf("expected skip for %q", line)
		}
	}
	if _, err := p.ParseLine("timestamp,session"); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}
	if _, err := p.ParseLine(`{"width":"wide"}`); err == nil {
		t.Fatalf("expected width error")
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan normalize.Packet, 1)
	ctx := context.Background()
	if !SendNonBlocking(ctx, out, normalize.Packet{SessionID: "a"}, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(ctx, out, normalize.Packet{SessionID: "b"}, nil) {
		t.Fatalf("second send should drop")
	}
}

func TestRESTFrames(t *testing.T) {
	out := make(chan normalize.Packet, 4)
	srv := NewRESTServer(config.NewStaticManager(config.DefaultConfig()), out, nil)
	h := srv.Handler()

	body := `[{"session_id":"s1","timestamp":"2026-03-01T10:00:00Z","tab_hidden":false},{"session_id":"s1","timestamp":"later"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/frames", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["accepted"] != 1 || resp["failed"] != 1 {
		t.Fatalf("unexpected response: %v", resp)
	}
	select {
	case pkt := <-out:
		if pkt.Source != "rest" || pkt.SessionID != "s1" {
			t.Fatalf("unexpected packet: %+v", pkt)
		}
		want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		if !pkt.Timestamp.Equal(want) {
			t.Fatalf("timestamp %s", pkt.Timestamp)
		}
	default:
		t.Fatalf("no packet forwarded")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/frames", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
