package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestDefaultConditionTiers(t *testing.T) {
	c := DefaultConfig().Proctor.Conditions
	assert.Greater(t, c.EyesOff.Soft, time.Duration(0))
	assert.Zero(t, c.EyesOff.Hard)
	assert.Greater(t, c.SecondaryFace.Hard, time.Duration(0))
	assert.Less(t, c.SecondaryFace.Hard, c.EyesOff.Soft)
	assert.Less(t, c.TabHidden.Hard, c.FaceMissing.Soft)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctorguard.yaml")
	content := `
log_level: debug
objects:
  min_consecutive_frames: 3
proctor:
  decay_per_second: 2
  conditions:
    eyes_off:
      soft: 4s
metrics:
  windows: [5s]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.Objects.MinConsecutiveFrames)
	assert.Equal(t, 2.0, cfg.Proctor.DecayPerSecond)
	assert.Equal(t, 4*time.Second, cfg.Proctor.Conditions.EyesOff.Soft)
	// untouched fields inside an overridden block keep their defaults
	assert.True(t, cfg.Proctor.Conditions.EyesOff.Enabled)
	assert.Equal(t, 2.0, cfg.Proctor.Conditions.EyesOff.SoftPenalty)
	assert.Equal(t, []time.Duration{5 * time.Second}, cfg.Metrics.Windows)
	assert.Equal(t, 1920.0, cfg.Gaze.ScreenWidth)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctorguard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gaze":{"screen_width":1280,"screen_height":720}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1280.0, cfg.Gaze.ScreenWidth)
	assert.Equal(t, 720.0, cfg.Gaze.ScreenHeight)
}

func TestLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"smoothing out of range", func(c *Config) { c.Pose.SmoothingFactor = 1.5 }},
		{"spread band inverted", func(c *Config) { c.Pose.MinLandmarkSpread = c.Pose.MaxLandmarkSpread }},
		{"zero screen", func(c *Config) { c.Gaze.ScreenWidth = 0 }},
		{"bands inverted", func(c *Config) { c.Environment.DarkBand = 200 }},
		{"zero min frames", func(c *Config) { c.Objects.MinConsecutiveFrames = 0 }},
		{"negative decay", func(c *Config) { c.Proctor.DecayPerSecond = -1 }},
		{"kafka without topic", func(c *Config) { c.Ingest.Kafka.Enabled = true }},
		{"publisher without brokers", func(c *Config) { c.Sink.Kafka.Enabled = true }},
		{"bad window", func(c *Config) { c.Metrics.Windows = []time.Duration{0} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestManagerReloadAndUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proctorguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	next := *m.Get()
	next.LogLevel = "warn"
	require.NoError(t, m.Update(&next))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", reloaded.LogLevel)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	assert.Equal(t, "info", m.Get().LogLevel)
	next := *m.Get()
	next.LogLevel = "error"
	require.NoError(t, m.Update(&next))
	assert.Equal(t, "error", m.Get().LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORGUARD_LOG_LEVEL", "debug")
	t.Setenv("PROCTORGUARD_STORAGE_DSN", "postgres://exam@db/proctor")
	t.Setenv("PROCTORGUARD_STORAGE_ENABLED", "true")
	t.Setenv("PROCTORGUARD_SINK_KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PROCTORGUARD_KAFKA_ENABLED", "maybe")

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nstorage:\n  driver: postgres\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://exam@db/proctor", cfg.Storage.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Sink.Kafka.Brokers)
	assert.False(t, cfg.Ingest.Kafka.Enabled)
}
