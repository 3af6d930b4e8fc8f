package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.PacketFields, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj)
}

func ParseJSONMap(obj map[string]json.RawMessage) (*normalize.PacketFields, error) {
	fields := make(map[string]json.RawMessage, len(obj))
	for key, val := range obj {
		fields[strings.ToLower(key)] = val
	}
	out := &normalize.PacketFields{}
	out.SessionID = scalar(firstPresent(fields, "session_id", "session", "sid"))
	out.Timestamp = scalar(firstPresent(fields, "timestamp", "time", "ts"))
	out.Image = scalar(firstPresent(fields, "image", "frame", "jpeg", "png"))

	if raw := firstPresent(fields, "width", "w"); raw != nil {
		if err := json.Unmarshal(raw, &out.Width); err != nil {
			return nil, fmt.Errorf("width: %w", err)
		}
	}
	if raw := firstPresent(fields, "height", "h"); raw != nil {
		if err := json.Unmarshal(raw, &out.Height); err != nil {
			return nil, fmt.Errorf("height: %w", err)
		}
	}
	if raw := firstPresent(fields, "tab_hidden", "hidden"); raw != nil {
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("tab_hidden: %w", err)
		}
		out.TabHidden = &v
	}
	if raw := firstPresent(fields, "primary_face", "face_box"); raw != nil {
		var r model.Rect
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("primary_face: %w", err)
		}
		out.PrimaryFace = &r
	}
	if raw := firstPresent(fields, "landmarks", "mesh"); raw != nil {
		lm, err := parseLandmarkJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("landmarks: %w", err)
		}
		out.Landmarks = lm
	}
	return out, nil
}

// parseLandmarkJSON accepts [[x,y,z],...] or [{"x":..,"y":..,"z":..},...].
func parseLandmarkJSON(raw json.RawMessage) ([][]float64, error) {
	var arrays [][]float64
	if err := json.Unmarshal(raw, &arrays); err == nil {
		return arrays, nil
	}
	var points []model.Point3D
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	if points == nil {
		return nil, nil
	}
	arrays = make([][]float64, len(points))
	for i, p := range points {
		arrays[i] = []float64{p.X, p.Y, p.Z}
	}
	return arrays, nil
}

// firstPresent skips missing keys and explicit nulls.
func firstPresent(m map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		return v
	}
	return nil
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
