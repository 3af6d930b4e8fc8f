package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROCTORGUARD_"

// ApplyEnvOverrides copies deployment settings from the environment over cfg.
// Secrets such as the storage DSN are usually supplied this way rather than
// committed in the config file. Unparsable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.API.Addr, "API_ADDR")
	setString(&cfg.Ingest.REST.Addr, "REST_ADDR")
	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "STORAGE_DSN")
	setBool(&cfg.Storage.Enabled, "STORAGE_ENABLED")
	setList(&cfg.Ingest.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Ingest.Kafka.Topic, "KAFKA_TOPIC")
	setBool(&cfg.Ingest.Kafka.Enabled, "KAFKA_ENABLED")
	setList(&cfg.Sink.Kafka.Brokers, "SINK_KAFKA_BROKERS")
	setString(&cfg.Sink.Kafka.Topic, "SINK_KAFKA_TOPIC")
	setBool(&cfg.Sink.Kafka.Enabled, "SINK_KAFKA_ENABLED")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
