// Package normalize turns raw frame packets into the typed inputs the
// analyzers consume.
package normalize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/imaging"
	"proctorguard/internal/model"
)

var (
	ErrImageTooLarge = errors.New("image exceeds size limit")
	ErrBadLandmark   = errors.New("landmark needs 2 or 3 coordinates")
)

// PacketFields is a frame packet as read off the wire. A nil Landmarks slice
// means the packet carried no landmark field or an explicit null.
type PacketFields struct {
	SessionID   string
	Timestamp   string
	Width       int
	Height      int
	Landmarks   [][]float64
	Image       string
	TabHidden   *bool
	PrimaryFace *model.Rect
	Raw         string
}

// Packet is one normalized frame ready for the pipeline.
type Packet struct {
	SessionID   string
	Timestamp   time.Time
	Width       int
	Height      int
	Landmarks   model.LandmarkSet
	Frame       *imaging.Frame
	TabHidden   *bool
	PrimaryFace *model.Rect
	Source      string
}

func Normalize(fields PacketFields, cfg *config.Config) (Packet, error) {
	pc := cfg.Ingest.Packet
	session := strings.TrimSpace(fields.SessionID)
	if session == "" {
		session = pc.DefaultSessionID
	}

	loc := time.UTC
	if pc.Timezone != "" {
		if l, err := time.LoadLocation(pc.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return Packet{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	lm, err := ParseLandmarks(fields.Landmarks)
	if err != nil {
		return Packet{}, err
	}

	pkt := Packet{
		SessionID:   session,
		Timestamp:   ts,
		Width:       fields.Width,
		Height:      fields.Height,
		Landmarks:   lm,
		TabHidden:   fields.TabHidden,
		PrimaryFace: fields.PrimaryFace,
	}
	if fields.Image != "" {
		frame, err := DecodeImage(fields.Image, pc.MaxImageBytes)
		if err != nil {
			return Packet{}, fmt.Errorf("decode image: %w", err)
		}
		pkt.Frame = frame
		pkt.Width = frame.Width
		pkt.Height = frame.Height
	}
	return pkt, nil
}

func ParseLandmarks(raw [][]float64) (model.LandmarkSet, error) {
	if raw == nil {
		return nil, nil
	}
	lm := make(model.LandmarkSet, len(raw))
	for i, p := range raw {
		switch len(p) {
		case 2:
			lm[i] = model.Point3D{X: p[0], Y: p[1]}
		case 3:
			lm[i] = model.Point3D{X: p[0], Y: p[1], Z: p[2]}
		default:
			return nil, fmt.Errorf("landmark %d: %w", i, ErrBadLandmark)
		}
	}
	return lm, nil
}

// DecodeImage accepts base64 PNG or JPEG, optionally as a data URL.
func DecodeImage(encoded string, maxBytes int) (*imaging.Frame, error) {
	encoded = strings.TrimSpace(encoded)
	if i := strings.Index(encoded, ","); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+1:]
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(encoded)) > maxBytes {
		return nil, ErrImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return imaging.FromImage(img), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dot := false
	for i, ch := range value {
		if ch == '.' && !dot && i > 0 {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix reads seconds, or milliseconds when the integer part has 13+ digits.
func parseUnix(value string) (time.Time, error) {
	intPart, fracPart, hasFrac := strings.Cut(value, ".")
	n, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	unit := time.Second
	if len(intPart) >= 13 {
		unit = time.Millisecond
	}
	ts := time.Unix(0, 0).Add(time.Duration(n) * unit)
	if hasFrac && fracPart != "" {
		frac, err := strconv.ParseFloat("0."+fracPart, 64)
		if err != nil {
			return time.Time{}, err
		}
		ts = ts.Add(time.Duration(frac * float64(unit)))
	}
	return ts.UTC(), nil
}
