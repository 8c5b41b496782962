/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatabaseBackend selects the persistence driver for the played-track history store.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Container is the on-wire audio container produced by a transcode output branch.
type Container string

const (
	ContainerOgg    Container = "ogg"
	ContainerMP3    Container = "mp3"
	ContainerWebRTC Container = "webrtc"
)

// StreamConfig describes a single transcode output branch and where it is served.
type StreamConfig struct {
	Mount     string    `yaml:"mount"`
	Container Container `yaml:"container"`
	Codec     string    `yaml:"codec"`
	Bitrate   int       `yaml:"bitrate"`
}

// Config covers process level configuration read from environment variables,
// optionally overlaid by a YAML stations file for the streams list.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string

	DBBackend DatabaseBackend
	DBDSN     string

	MediaRoot    string
	GStreamerBin string
	MetricsBind  string

	// Queue / scheduling
	Streams         []StreamConfig
	QueueRandomURL  string
	FallbackPath    string
	FallbackCodec   Container

	// S3 object storage source locators
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance leader election
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// Operator command ingress (HTTP control API is served on HTTPBind/HTTPPort
	// alongside the stream and status routes; NATS is the optional second ingress)
	NATSURL     string
	NATSSubject string

	// WebRTC relay
	WebRTCEnabled      bool
	WebRTCRTPPort      int
	WebRTCSTUNURL      string
	WebRTCTURNURL      string
	WebRTCTURNUsername string
	WebRTCTURNPassword string

	StationsFile      string
	LegacyEnvWarnings []string
}

type stationsFile struct {
	Streams        []StreamConfig `yaml:"streams"`
	QueueRandomURL string         `yaml:"queue_random_url"`
	FallbackPath   string         `yaml:"fallback_path"`
	FallbackCodec  Container      `yaml:"fallback_codec"`
}

// Load reads environment variables, applies defaults, optionally overlays a
// YAML stations file, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:  getEnvAny([]string{"GRIMNIR_ENV", "RLM_ENV"}, "development"),
		HTTPBind:     getEnvAny([]string{"GRIMNIR_HTTP_BIND", "RLM_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:     getEnvIntAny([]string{"GRIMNIR_HTTP_PORT", "RLM_HTTP_PORT"}, 8080),
		BaseURL:      getEnvAny([]string{"GRIMNIR_BASE_URL", "RLM_BASE_URL"}, ""),
		DBBackend:    DatabaseBackend(getEnvAny([]string{"GRIMNIR_DB_BACKEND", "RLM_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:        getEnvAny([]string{"GRIMNIR_DB_DSN", "RLM_DB_DSN"}, "radio_history.db"),
		MediaRoot:    getEnvAny([]string{"GRIMNIR_MEDIA_ROOT", "RLM_MEDIA_ROOT"}, "./media"),
		GStreamerBin: getEnvAny([]string{"GRIMNIR_GSTREAMER_BIN", "RLM_GSTREAMER_BIN"}, "gst-launch-1.0"),
		MetricsBind:  getEnvAny([]string{"GRIMNIR_METRICS_BIND", "RLM_METRICS_BIND"}, "127.0.0.1:9000"),

		QueueRandomURL: getEnvAny([]string{"GRIMNIR_QUEUE_RANDOM_URL", "RLM_QUEUE_RANDOM_URL"}, ""),
		FallbackPath:   getEnvAny([]string{"GRIMNIR_FALLBACK_PATH", "RLM_FALLBACK_PATH"}, ""),
		FallbackCodec:  Container(getEnvAny([]string{"GRIMNIR_FALLBACK_CONTAINER", "RLM_FALLBACK_CONTAINER"}, string(ContainerOgg))),

		S3AccessKeyID:     getEnvAny([]string{"GRIMNIR_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"GRIMNIR_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"GRIMNIR_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"GRIMNIR_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"GRIMNIR_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"GRIMNIR_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"GRIMNIR_TRACING_ENABLED", "RLM_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"GRIMNIR_OTLP_ENDPOINT", "RLM_OTLP_ENDPOINT"}, ""),
		TracingSampleRate: getEnvFloatAny([]string{"GRIMNIR_TRACING_SAMPLE_RATE", "RLM_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"GRIMNIR_LEADER_ELECTION_ENABLED", "RLM_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"GRIMNIR_REDIS_ADDR", "RLM_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword:         getEnvAny([]string{"GRIMNIR_REDIS_PASSWORD", "RLM_REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"GRIMNIR_REDIS_DB", "RLM_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"GRIMNIR_INSTANCE_ID", "RLM_INSTANCE_ID"}, ""),

		NATSURL:     getEnvAny([]string{"GRIMNIR_NATS_URL", "RLM_NATS_URL"}, ""),
		NATSSubject: getEnvAny([]string{"GRIMNIR_NATS_SUBJECT", "RLM_NATS_SUBJECT"}, "grimnir.operator"),

		WebRTCEnabled:      getEnvBoolAny([]string{"GRIMNIR_WEBRTC_ENABLED", "WEBRTC_ENABLED"}, false),
		WebRTCRTPPort:      getEnvIntAny([]string{"GRIMNIR_WEBRTC_RTP_PORT", "WEBRTC_RTP_PORT"}, 5004),
		WebRTCSTUNURL:      getEnvAny([]string{"GRIMNIR_WEBRTC_STUN_URL", "WEBRTC_STUN_URL"}, "stun:stun.l.google.com:19302"),
		WebRTCTURNURL:      getEnvAny([]string{"GRIMNIR_WEBRTC_TURN_URL", "WEBRTC_TURN_URL"}, ""),
		WebRTCTURNUsername: getEnvAny([]string{"GRIMNIR_WEBRTC_TURN_USERNAME", "WEBRTC_TURN_USERNAME"}, ""),
		WebRTCTURNPassword: getEnvAny([]string{"GRIMNIR_WEBRTC_TURN_PASSWORD", "WEBRTC_TURN_PASSWORD"}, ""),

		StationsFile: getEnvAny([]string{"GRIMNIR_STATIONS_FILE", "RLM_STATIONS_FILE"}, ""),
	}

	if cfg.StationsFile != "" {
		if err := cfg.applyStationsFile(cfg.StationsFile); err != nil {
			return nil, fmt.Errorf("loading stations file %s: %w", cfg.StationsFile, err)
		}
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream must be configured via %s", cfg.StationsFile)
	}

	if cfg.QueueRandomURL == "" {
		return nil, fmt.Errorf("GRIMNIR_QUEUE_RANDOM_URL or RLM_QUEUE_RANDOM_URL must be provided")
	}

	if cfg.FallbackPath == "" {
		return nil, fmt.Errorf("GRIMNIR_FALLBACK_PATH or RLM_FALLBACK_PATH must be provided")
	}

	if cfg.WebRTCEnabled {
		if cfg.WebRTCTURNURL != "" && (cfg.WebRTCTURNUsername == "" || cfg.WebRTCTURNPassword == "") {
			return nil, fmt.Errorf("GRIMNIR_WEBRTC_TURN_USERNAME and GRIMNIR_WEBRTC_TURN_PASSWORD are required when TURN is configured")
		}
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func (c *Config) applyStationsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var sf stationsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return err
	}
	if len(sf.Streams) > 0 {
		c.Streams = sf.Streams
	}
	if sf.QueueRandomURL != "" {
		c.QueueRandomURL = sf.QueueRandomURL
	}
	if sf.FallbackPath != "" {
		c.FallbackPath = sf.FallbackPath
	}
	if sf.FallbackCodec != "" {
		c.FallbackCodec = sf.FallbackCodec
	}
	return nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":             "use GRIMNIR_ENV (or RLM_ENV)",
		"LEADER_ELECTION_ENABLED": "use GRIMNIR_LEADER_ELECTION_ENABLED",
		"TRACING_ENABLED":         "use GRIMNIR_TRACING_ENABLED (or RLM_TRACING_ENABLED)",
		"OTLP_ENDPOINT":           "use GRIMNIR_OTLP_ENDPOINT (or RLM_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE":     "use GRIMNIR_TRACING_SAMPLE_RATE (or RLM_TRACING_SAMPLE_RATE)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
