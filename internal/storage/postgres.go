package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/proctorguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS flags (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			flag_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			details_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flags_session_ts ON flags(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS frames (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			eyes_on BOOLEAN NOT NULL,
			gaze_confidence DOUBLE PRECISION NOT NULL,
			yaw DOUBLE PRECISION NOT NULL,
			pitch DOUBLE PRECISION NOT NULL,
			roll DOUBLE PRECISION NOT NULL,
			shadow_score DOUBLE PRECISION NOT NULL,
			secondary_face BOOLEAN NOT NULL,
			device_like BOOLEAN NOT NULL,
			tab_hidden BOOLEAN NOT NULL,
			face_present BOOLEAN NOT NULL,
			flag_type TEXT,
			risk_score DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_session_ts ON frames(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			session_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			eyes_on_ratio DOUBLE PRECISION NOT NULL,
			face_present_ratio DOUBLE PRECISION NOT NULL,
			mean_gaze_confidence DOUBLE PRECISION NOT NULL,
			flags INTEGER NOT NULL,
			risk_score DOUBLE PRECISION NOT NULL,
			jitter DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session_window ON metrics(session_id, window_sec)`,
		`CREATE TABLE IF NOT EXISTS calibration_profiles (
			id TEXT PRIMARY KEY,
			ts_ns BIGINT NOT NULL,
			homography_json JSONB NOT NULL,
			screen_width DOUBLE PRECISION NOT NULL,
			screen_height DOUBLE PRECISION NOT NULL,
			quality DOUBLE PRECISION NOT NULL,
			points INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_ts ON calibration_profiles(ts_ns)`,
	})
}
