// Package storage persists flags, frame records, window metrics and
// calibration profiles to sqlite or postgres.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveFlag(ctx context.Context, flag model.FlagEvent) error
	SaveFrames(ctx context.Context, records []model.FrameRecord) error
	SaveMetrics(ctx context.Context, sessionID string, metrics []model.WindowMetrics) error
	SaveCalibration(ctx context.Context, profile model.CalibrationProfile) error
	GetCalibration(ctx context.Context, id string) (model.CalibrationProfile, error)
	LatestCalibration(ctx context.Context) (model.CalibrationProfile, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore holds the SQL shared by both drivers. Queries are written with
// ? placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveFlag(ctx context.Context, flag model.FlagEvent) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO flags (id, ts, session_id, flag_type, severity, confidence, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		flag.ID,
		flag.Timestamp.UTC(),
		flag.SessionID,
		string(flag.Type),
		string(flag.Severity),
		flag.Confidence,
		encodeJSON(flag.Details),
	)
	return err
}

func (b *baseStore) SaveFrames(ctx context.Context, records []model.FrameRecord) error {
	if b.db == nil || len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.bind(
		`INSERT INTO frames (ts, session_id, eyes_on, gaze_confidence, yaw, pitch, roll, shadow_score,
			secondary_face, device_like, tab_hidden, face_present, flag_type, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		var flagType sql.NullString
		if r.FlagType != nil {
			flagType = sql.NullString{String: string(*r.FlagType), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC(),
			r.SessionID,
			r.EyesOn,
			r.GazeConfidence,
			r.HeadPose.Yaw,
			r.HeadPose.Pitch,
			r.HeadPose.Roll,
			r.ShadowScore,
			r.SecondaryFacePresent,
			r.DeviceLikePresent,
			r.TabHidden,
			r.FacePresent,
			flagType,
			r.RiskScore,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveMetrics(ctx context.Context, sessionID string, metrics []model.WindowMetrics) error {
	if b.db == nil || sessionID == "" || len(metrics) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, b.bind(
		`INSERT INTO metrics (ts, session_id, window_sec, frames, eyes_on_ratio, face_present_ratio,
			mean_gaze_confidence, flags, risk_score, jitter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, wm := range metrics {
		if _, err := stmt.ExecContext(ctx,
			nowUTC(),
			sessionID,
			wm.WindowSec,
			wm.Frames,
			wm.EyesOnRatio,
			wm.FacePresentRatio,
			wm.MeanGazeConfidence,
			wm.Flags,
			wm.RiskScore,
			wm.Jitter,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) SaveCalibration(ctx context.Context, p model.CalibrationProfile) error {
	if b.db == nil {
		return nil
	}
	if p.ID == "" {
		return errors.New("calibration profile id is required")
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO calibration_profiles (id, ts_ns, homography_json, screen_width, screen_height, quality, points)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			ts_ns = excluded.ts_ns,
			homography_json = excluded.homography_json,
			screen_width = excluded.screen_width,
			screen_height = excluded.screen_height,
			quality = excluded.quality,
			points = excluded.points`),
		p.ID,
		p.Timestamp.UTC().UnixNano(),
		encodeJSON(p.Homography),
		p.ScreenWidth,
		p.ScreenHeight,
		p.Quality,
		p.Points,
	)
	return err
}

const calibrationColumns = `id, ts_ns, homography_json, screen_width, screen_height, quality, points`

func (b *baseStore) GetCalibration(ctx context.Context, id string) (model.CalibrationProfile, error) {
	if b.db == nil {
		return model.CalibrationProfile{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx, b.bind(
		`SELECT `+calibrationColumns+` FROM calibration_profiles WHERE id = ?`), id)
	return scanCalibration(row)
}

func (b *baseStore) LatestCalibration(ctx context.Context) (model.CalibrationProfile, error) {
	if b.db == nil {
		return model.CalibrationProfile{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT `+calibrationColumns+` FROM calibration_profiles ORDER BY ts_ns DESC LIMIT 1`)
	return scanCalibration(row)
}

func scanCalibration(row *sql.Row) (model.CalibrationProfile, error) {
	var p model.CalibrationProfile
	var tsNS int64
	var homography string
	if err := row.Scan(&p.ID, &tsNS, &homography, &p.ScreenWidth, &p.ScreenHeight, &p.Quality, &p.Points); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	if err := json.Unmarshal([]byte(homography), &p.Homography); err != nil {
		return p, fmt.Errorf("decode homography for %s: %w", p.ID, err)
	}
	p.Timestamp = time.Unix(0, tsNS).UTC()
	return p, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
