package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:proctorguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS flags (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			flag_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			details_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flags_session_ts ON flags(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			eyes_on INTEGER NOT NULL,
			gaze_confidence REAL NOT NULL,
			yaw REAL NOT NULL,
			pitch REAL NOT NULL,
			roll REAL NOT NULL,
			shadow_score REAL NOT NULL,
			secondary_face INTEGER NOT NULL,
			device_like INTEGER NOT NULL,
			tab_hidden INTEGER NOT NULL,
			face_present INTEGER NOT NULL,
			flag_type TEXT,
			risk_score REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_frames_session_ts ON frames(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			window_sec INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			eyes_on_ratio REAL NOT NULL,
			face_present_ratio REAL NOT NULL,
			mean_gaze_confidence REAL NOT NULL,
			flags INTEGER NOT NULL,
			risk_score REAL NOT NULL,
			jitter REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_session_window ON metrics(session_id, window_sec)`,
		`CREATE TABLE IF NOT EXISTS calibration_profiles (
			id TEXT PRIMARY KEY,
			ts_ns INTEGER NOT NULL,
			homography_json TEXT NOT NULL,
			screen_width REAL NOT NULL,
			screen_height REAL NOT NULL,
			quality REAL NOT NULL,
			points INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_ts ON calibration_profiles(ts_ns)`,
	})
}
