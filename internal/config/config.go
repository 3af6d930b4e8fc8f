package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFormat   string            `json:"log_format" yaml:"log_format"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Pose        PoseConfig        `json:"pose" yaml:"pose"`
	Gaze        GazeConfig        `json:"gaze" yaml:"gaze"`
	Environment EnvironmentConfig `json:"environment" yaml:"environment"`
	Objects     ObjectsConfig     `json:"objects" yaml:"objects"`
	Proctor     ProctorConfig     `json:"proctor" yaml:"proctor"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Sink        SinkConfig        `json:"sink" yaml:"sink"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Flags       FlagsConfig       `json:"flags" yaml:"flags"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Replay        ReplayConfig    `json:"replay" yaml:"replay"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Packet        PacketConfig    `json:"packet" yaml:"packet"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Addr        string        `json:"addr" yaml:"addr"`
	MaxConns    int           `json:"max_conns" yaml:"max_conns"`
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`
}

// ReplayConfig drives JSONL session recordings back through the pipeline.
// Speed 1 replays in recorded time, 0 replays as fast as the channel allows.
// Follow keeps reading after EOF the way tail -f does.
type ReplayConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Files   []string `json:"files" yaml:"files"`
	Follow  bool     `json:"follow" yaml:"follow"`
	Speed   float64  `json:"speed" yaml:"speed"`
}

// KafkaConfig configures the packet consumer. StartAtLatest only applies to a
// consumer group with no committed offset.
type KafkaConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Brokers       []string      `json:"brokers" yaml:"brokers"`
	Topic         string        `json:"topic" yaml:"topic"`
	GroupID       string        `json:"group_id" yaml:"group_id"`
	StartAtLatest bool          `json:"start_at_latest" yaml:"start_at_latest"`
	MaxWait       time.Duration `json:"max_wait" yaml:"max_wait"`
}

type PacketConfig struct {
	Timezone         string `json:"timezone" yaml:"timezone"`
	DefaultSessionID string `json:"default_session_id" yaml:"default_session_id"`
	MaxImageBytes    int    `json:"max_image_bytes" yaml:"max_image_bytes"`
}

// PoseConfig tunes the head pose estimator. Angles are in degrees, spreads in pixels.
type PoseConfig struct {
	SmoothingFactor     float64 `json:"smoothing_factor" yaml:"smoothing_factor"`
	YawThreshold        float64 `json:"yaw_threshold" yaml:"yaw_threshold"`
	PitchThreshold      float64 `json:"pitch_threshold" yaml:"pitch_threshold"`
	RollThreshold       float64 `json:"roll_threshold" yaml:"roll_threshold"`
	MinLandmarkSpread   float64 `json:"min_landmark_spread" yaml:"min_landmark_spread"`
	MaxLandmarkSpread   float64 `json:"max_landmark_spread" yaml:"max_landmark_spread"`
	PitchReferenceRatio float64 `json:"pitch_reference_ratio" yaml:"pitch_reference_ratio"`
	YawDepthRatio       float64 `json:"yaw_depth_ratio" yaml:"yaw_depth_ratio"`
	StabilityWindow     int     `json:"stability_window" yaml:"stability_window"`
}

// PoseLimits are the caller-side acceptance thresholds applied by ValidatePose.
type PoseLimits struct {
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	MaxYaw        float64 `json:"max_yaw" yaml:"max_yaw"`
	MaxPitch      float64 `json:"max_pitch" yaml:"max_pitch"`
	MaxRoll       float64 `json:"max_roll" yaml:"max_roll"`
}

type GazeConfig struct {
	ScreenWidth          float64 `json:"screen_width" yaml:"screen_width"`
	ScreenHeight         float64 `json:"screen_height" yaml:"screen_height"`
	PixelsPerDegree      float64 `json:"pixels_per_degree" yaml:"pixels_per_degree"`
	ViewingDistance      float64 `json:"viewing_distance" yaml:"viewing_distance"`
	IrisRadiusRatio      float64 `json:"iris_radius_ratio" yaml:"iris_radius_ratio"`
	MinEyeWidth          float64 `json:"min_eye_width" yaml:"min_eye_width"`
	UncalibratedPenalty  float64 `json:"uncalibrated_penalty" yaml:"uncalibrated_penalty"`
	SmoothingFactor      float64 `json:"smoothing_factor" yaml:"smoothing_factor"`
	OnScreenConfidence   float64 `json:"on_screen_confidence" yaml:"on_screen_confidence"`
	MaxReprojectionError float64 `json:"max_reprojection_error" yaml:"max_reprojection_error"`
}

type EnvironmentConfig struct {
	StabilityWindow       int     `json:"stability_window" yaml:"stability_window"`
	DarkBand              int     `json:"dark_band" yaml:"dark_band"`
	BrightBand            int     `json:"bright_band" yaml:"bright_band"`
	PeakMinFraction       float64 `json:"peak_min_fraction" yaml:"peak_min_fraction"`
	MidBaseline           float64 `json:"mid_baseline" yaml:"mid_baseline"`
	GradientThreshold     float64 `json:"gradient_threshold" yaml:"gradient_threshold"`
	VarianceThreshold     float64 `json:"variance_threshold" yaml:"variance_threshold"`
	ShadowStabilityFloor  float64 `json:"shadow_stability_floor" yaml:"shadow_stability_floor"`
	LightingStabilityWarn float64 `json:"lighting_stability_warn" yaml:"lighting_stability_warn"`
	BacklightWarn         float64 `json:"backlight_warn" yaml:"backlight_warn"`
	BaselineStability     float64 `json:"baseline_stability" yaml:"baseline_stability"`
}

type ObjectsConfig struct {
	GridStride           int           `json:"grid_stride" yaml:"grid_stride"`
	MinConsecutiveFrames int           `json:"min_consecutive_frames" yaml:"min_consecutive_frames"`
	MaxAge               int           `json:"max_age" yaml:"max_age"`
	TrackCellSize        float64       `json:"track_cell_size" yaml:"track_cell_size"`
	HistoryLength        int           `json:"history_length" yaml:"history_length"`
	MinFaceArea          float64       `json:"min_face_area" yaml:"min_face_area"`
	MaxFaceArea          float64       `json:"max_face_area" yaml:"max_face_area"`
	PrimaryOverlap       float64       `json:"primary_overlap" yaml:"primary_overlap"`
	MinFaceConfidence    float64       `json:"min_face_confidence" yaml:"min_face_confidence"`
	DarkFeatureRatio     float64       `json:"dark_feature_ratio" yaml:"dark_feature_ratio"`
	BrightThreshold      float64       `json:"bright_threshold" yaml:"bright_threshold"`
	EdgeThreshold        float64       `json:"edge_threshold" yaml:"edge_threshold"`
	MinEdgeCoverage      float64       `json:"min_edge_coverage" yaml:"min_edge_coverage"`
	MinDeviceAspect      float64       `json:"min_device_aspect" yaml:"min_device_aspect"`
	MaxDeviceAspect      float64       `json:"max_device_aspect" yaml:"max_device_aspect"`
	IdealDeviceAspect    float64       `json:"ideal_device_aspect" yaml:"ideal_device_aspect"`
	MinDeviceArea        float64       `json:"min_device_area" yaml:"min_device_area"`
	MaxDeviceArea        float64       `json:"max_device_area" yaml:"max_device_area"`
	HighlightThreshold   float64       `json:"highlight_threshold" yaml:"highlight_threshold"`
	HighlightSaturation  float64       `json:"highlight_saturation" yaml:"highlight_saturation"`
	MotionScale          float64       `json:"motion_scale" yaml:"motion_scale"`
	MinDeviceConfidence  float64       `json:"min_device_confidence" yaml:"min_device_confidence"`
	Weights              DeviceWeights `json:"weights" yaml:"weights"`
}

type DeviceWeights struct {
	Aspect    float64 `json:"aspect" yaml:"aspect"`
	Motion    float64 `json:"motion" yaml:"motion"`
	Highlight float64 `json:"highlight" yaml:"highlight"`
}

// ConditionConfig drives one monitored condition. A zero Soft or Hard
// duration disables that tier.
type ConditionConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Soft              time.Duration `json:"soft" yaml:"soft"`
	Hard              time.Duration `json:"hard" yaml:"hard"`
	SoftPenalty       float64       `json:"soft_penalty" yaml:"soft_penalty"`
	HardPenalty       float64       `json:"hard_penalty" yaml:"hard_penalty"`
	ContinuousPenalty float64       `json:"continuous_penalty" yaml:"continuous_penalty"`
	Cooldown          time.Duration `json:"cooldown" yaml:"cooldown"`
}

type ConditionsConfig struct {
	EyesOff       ConditionConfig `json:"eyes_off" yaml:"eyes_off"`
	HeadPose      ConditionConfig `json:"head_pose" yaml:"head_pose"`
	FaceMissing   ConditionConfig `json:"face_missing" yaml:"face_missing"`
	ShadowAnomaly ConditionConfig `json:"shadow_anomaly" yaml:"shadow_anomaly"`
	SecondaryFace ConditionConfig `json:"secondary_face" yaml:"secondary_face"`
	DeviceLike    ConditionConfig `json:"device_like" yaml:"device_like"`
	TabHidden     ConditionConfig `json:"tab_hidden" yaml:"tab_hidden"`
}

type ProctorConfig struct {
	MaxRisk        float64          `json:"max_risk" yaml:"max_risk"`
	DecayPerSecond float64          `json:"decay_per_second" yaml:"decay_per_second"`
	PoseLimits     PoseLimits       `json:"pose_limits" yaml:"pose_limits"`
	Conditions     ConditionsConfig `json:"conditions" yaml:"conditions"`
}

type PipelineConfig struct {
	DedupeWindow        time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	SessionIdleTimeout  time.Duration `json:"session_idle_timeout" yaml:"session_idle_timeout"`
	AutoLoadCalibration bool          `json:"auto_load_calibration" yaml:"auto_load_calibration"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type SinkConfig struct {
	QueueSize    int                `json:"queue_size" yaml:"queue_size"`
	RecordFrames bool               `json:"record_frames" yaml:"record_frames"`
	Kafka        KafkaPublishConfig `json:"kafka" yaml:"kafka"`
}

type KafkaPublishConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// MetricsConfig sets the attention windows. Sessions whose window risk
// reaches AtRiskScore are listed in the status summary.
type MetricsConfig struct {
	StoreLimit  int             `json:"store_limit" yaml:"store_limit"`
	Windows     []time.Duration `json:"windows" yaml:"windows"`
	AtRiskScore float64         `json:"at_risk_score" yaml:"at_risk_score"`
}

type FlagsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 64,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000", MaxConns: 32, ReadTimeout: 30 * time.Second},
			Replay:        ReplayConfig{Enabled: false, Speed: 0},
			Kafka:         KafkaConfig{Enabled: false},
			Packet:        PacketConfig{Timezone: "UTC", DefaultSessionID: "default", MaxImageBytes: 8 << 20},
		},
		Pose:        DefaultPoseConfig(),
		Gaze:        DefaultGazeConfig(),
		Environment: DefaultEnvironmentConfig(),
		Objects:     DefaultObjectsConfig(),
		Proctor:     DefaultProctorConfig(),
		Pipeline: PipelineConfig{
			DedupeWindow:       2 * time.Second,
			SessionIdleTimeout: 5 * time.Minute,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:proctorguard.db?_pragma=busy_timeout(5000)"},
		Sink:    SinkConfig{QueueSize: 1024, RecordFrames: true},
		Metrics: MetricsConfig{StoreLimit: 1000, Windows: []time.Duration{10 * time.Second, 60 * time.Second}, AtRiskScore: 0.5},
		Flags:   FlagsConfig{StoreLimit: 1000},
	}
}

func DefaultPoseConfig() PoseConfig {
	return PoseConfig{
		SmoothingFactor:     0.6,
		YawThreshold:        29,
		PitchThreshold:      23,
		RollThreshold:       17,
		MinLandmarkSpread:   40,
		MaxLandmarkSpread:   900,
		PitchReferenceRatio: 0.6,
		YawDepthRatio:       0.5,
		StabilityWindow:     30,
	}
}

func DefaultGazeConfig() GazeConfig {
	return GazeConfig{
		ScreenWidth:          1920,
		ScreenHeight:         1080,
		PixelsPerDegree:      2.0,
		ViewingDistance:      1200,
		IrisRadiusRatio:      0.2,
		MinEyeWidth:          3,
		UncalibratedPenalty:  0.3,
		SmoothingFactor:      0.5,
		OnScreenConfidence:   0.3,
		MaxReprojectionError: 60,
	}
}

func DefaultEnvironmentConfig() EnvironmentConfig {
	return EnvironmentConfig{
		StabilityWindow:       30,
		DarkBand:              85,
		BrightBand:            170,
		PeakMinFraction:       0.005,
		MidBaseline:           0.33,
		GradientThreshold:     60,
		VarianceThreshold:     20000,
		ShadowStabilityFloor:  0.4,
		LightingStabilityWarn: 0.6,
		BacklightWarn:         0.5,
		BaselineStability:     0.7,
	}
}

func DefaultObjectsConfig() ObjectsConfig {
	return ObjectsConfig{
		GridStride:           4,
		MinConsecutiveFrames: 5,
		MaxAge:               10,
		TrackCellSize:        32,
		HistoryLength:        10,
		MinFaceArea:          0.01,
		MaxFaceArea:          0.25,
		PrimaryOverlap:       0.3,
		MinFaceConfidence:    0.3,
		DarkFeatureRatio:     0.85,
		BrightThreshold:      180,
		EdgeThreshold:        100,
		MinEdgeCoverage:      0.6,
		MinDeviceAspect:      0.4,
		MaxDeviceAspect:      0.75,
		IdealDeviceAspect:    0.5,
		MinDeviceArea:        0.005,
		MaxDeviceArea:        0.2,
		HighlightThreshold:   240,
		HighlightSaturation:  0.2,
		MotionScale:          30,
		MinDeviceConfidence:  0.35,
		Weights:              DeviceWeights{Aspect: 0.4, Motion: 0.3, Highlight: 0.3},
	}
}

func DefaultProctorConfig() ProctorConfig {
	return ProctorConfig{
		MaxRisk:        100,
		DecayPerSecond: 0.5,
		PoseLimits:     PoseLimits{MinConfidence: 0.5, MaxYaw: 30, MaxPitch: 25, MaxRoll: 20},
		Conditions: ConditionsConfig{
			EyesOff:       ConditionConfig{Enabled: true, Soft: 2 * time.Second, SoftPenalty: 2, ContinuousPenalty: 0.5, Cooldown: 3 * time.Second},
			HeadPose:      ConditionConfig{Enabled: true, Soft: 3 * time.Second, SoftPenalty: 2, ContinuousPenalty: 0.25, Cooldown: 3 * time.Second},
			FaceMissing:   ConditionConfig{Enabled: true, Soft: 3 * time.Second, SoftPenalty: 5, ContinuousPenalty: 0.5, Cooldown: 3 * time.Second},
			ShadowAnomaly: ConditionConfig{Enabled: true, Soft: 5 * time.Second, SoftPenalty: 1, Cooldown: 10 * time.Second},
			SecondaryFace: ConditionConfig{Enabled: true, Hard: 1 * time.Second, HardPenalty: 15, Cooldown: 5 * time.Second},
			DeviceLike:    ConditionConfig{Enabled: true, Hard: 1 * time.Second, HardPenalty: 15, Cooldown: 5 * time.Second},
			TabHidden:     ConditionConfig{Enabled: true, Hard: 500 * time.Millisecond, HardPenalty: 10, Cooldown: 2 * time.Second},
		},
	}
}

// Load reads a YAML or JSON config over DefaultConfig, then applies
// environment overrides and defaults before validating.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	cfg := DefaultConfig()
	if looksLikeJSON(trimmed) {
		err = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		err = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	ApplyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if len(cfg.Metrics.Windows) == 0 {
		cfg.Metrics.Windows = []time.Duration{10 * time.Second, 60 * time.Second}
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 1000
	}
	if cfg.Metrics.AtRiskScore <= 0 {
		cfg.Metrics.AtRiskScore = 0.5
	}
	if cfg.Flags.StoreLimit <= 0 {
		cfg.Flags.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 64
	}
	if cfg.Ingest.Packet.Timezone == "" {
		cfg.Ingest.Packet.Timezone = "UTC"
	}
	if cfg.Ingest.Packet.DefaultSessionID == "" {
		cfg.Ingest.Packet.DefaultSessionID = "default"
	}
	if cfg.Ingest.Packet.MaxImageBytes <= 0 {
		cfg.Ingest.Packet.MaxImageBytes = 8 << 20
	}
	if cfg.Ingest.TCPStream.MaxConns <= 0 {
		cfg.Ingest.TCPStream.MaxConns = 32
	}
	if cfg.Sink.QueueSize <= 0 {
		cfg.Sink.QueueSize = 1024
	}
	if cfg.Pose.StabilityWindow <= 0 {
		cfg.Pose.StabilityWindow = 30
	}
	if cfg.Environment.StabilityWindow <= 0 {
		cfg.Environment.StabilityWindow = 30
	}
	if cfg.Objects.GridStride <= 0 {
		cfg.Objects.GridStride = 4
	}
	if cfg.Objects.HistoryLength <= 0 {
		cfg.Objects.HistoryLength = 10
	}
	if cfg.Objects.TrackCellSize <= 0 {
		cfg.Objects.TrackCellSize = 32
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Replay.Enabled && len(cfg.Ingest.Replay.Files) == 0 {
		return errors.New("ingest.replay.files required when ingest.replay.enabled is true")
	}
	if cfg.Ingest.Replay.Speed < 0 {
		return errors.New("ingest.replay.speed must be >= 0")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Sink.Kafka.Enabled {
		if len(cfg.Sink.Kafka.Brokers) == 0 || cfg.Sink.Kafka.Topic == "" {
			return errors.New("sink.kafka requires brokers, topic")
		}
	}
	if err := validateUnit("pose.smoothing_factor", cfg.Pose.SmoothingFactor); err != nil {
		return err
	}
	if err := validateUnit("gaze.smoothing_factor", cfg.Gaze.SmoothingFactor); err != nil {
		return err
	}
	if err := validateUnit("gaze.uncalibrated_penalty", cfg.Gaze.UncalibratedPenalty); err != nil {
		return err
	}
	if cfg.Pose.MinLandmarkSpread >= cfg.Pose.MaxLandmarkSpread {
		return errors.New("pose.min_landmark_spread must be < pose.max_landmark_spread")
	}
	if cfg.Gaze.ScreenWidth <= 0 || cfg.Gaze.ScreenHeight <= 0 {
		return errors.New("gaze.screen_width and gaze.screen_height must be > 0")
	}
	if cfg.Gaze.PixelsPerDegree <= 0 {
		return errors.New("gaze.pixels_per_degree must be > 0")
	}
	if cfg.Gaze.ViewingDistance <= 0 {
		return errors.New("gaze.viewing_distance must be > 0")
	}
	if cfg.Environment.DarkBand >= cfg.Environment.BrightBand {
		return errors.New("environment.dark_band must be < environment.bright_band")
	}
	if cfg.Objects.MinConsecutiveFrames <= 0 {
		return errors.New("objects.min_consecutive_frames must be > 0")
	}
	if cfg.Objects.MaxAge < 0 {
		return errors.New("objects.max_age must be >= 0")
	}
	if cfg.Objects.MinDeviceAspect >= cfg.Objects.MaxDeviceAspect {
		return errors.New("objects.min_device_aspect must be < objects.max_device_aspect")
	}
	if cfg.Proctor.MaxRisk <= 0 {
		return errors.New("proctor.max_risk must be > 0")
	}
	if cfg.Proctor.DecayPerSecond < 0 {
		return errors.New("proctor.decay_per_second must be >= 0")
	}
	for _, win := range cfg.Metrics.Windows {
		if win <= 0 {
			return fmt.Errorf("metrics.windows contains non-positive duration: %s", win)
		}
	}
	return nil
}

func validateUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1], got %v", name, v)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Update still persists when path is set.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if m.path == "" {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
