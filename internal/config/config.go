// Package config loads service configuration from defaults, an optional YAML
// file and CLASSYCAM_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. CLASSYCAM_LOG_LEVEL.
const EnvPrefix = "CLASSYCAM"

// Config holds all application configuration
type Config struct {
	Service      ServiceConfig      `yaml:"service" json:"service"`
	API          APIConfig          `yaml:"api" json:"api"`
	Stream       StreamConfig       `yaml:"stream" json:"stream"`
	Detector     DetectorConfig     `yaml:"detector" json:"detector"`
	Tracker      TrackerConfig      `yaml:"tracker" json:"tracker"`
	Zone         ZoneConfig         `yaml:"zone" json:"zone"`
	Events       EventsConfig       `yaml:"events" json:"events"`
	Notification NotificationConfig `yaml:"notification" json:"notification"`
	Log          LogConfig          `yaml:"log" json:"log"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string        `yaml:"name" json:"name" split_words:"true"`
	Environment     string        `yaml:"environment" json:"environment" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" split_words:"true"`
}

// APIConfig contains HTTP server configuration
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" split_words:"true"`

	// CORS
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins" split_words:"true"`

	// Rate limiting for start/stop
	RateLimitEnabled  bool          `yaml:"rate_limit_enabled" json:"rate_limit_enabled" split_words:"true"`
	RateLimitRequests int           `yaml:"rate_limit_requests" json:"rate_limit_requests" split_words:"true"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" json:"rate_limit_window" split_words:"true"`

	// MJPEG consumers poll the frame cache at this interval
	FeedInterval time.Duration `yaml:"feed_interval" json:"feed_interval" split_words:"true"`

	MetricsEnabled   bool `yaml:"metrics_enabled" json:"metrics_enabled" split_words:"true"`
	WebSocketEnabled bool `yaml:"websocket_enabled" json:"websocket_enabled" split_words:"true"`

	// Timeouts. There is no write timeout: the video feed is a long-lived response.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout" split_words:"true"`
}

// StreamConfig controls how a capture source is opened and read
type StreamConfig struct {
	DefaultSource string `yaml:"default_source" json:"default_source" split_words:"true"`
	AutoStart     bool   `yaml:"auto_start" json:"auto_start" split_words:"true"`

	// Backends are tried in order until one opens and delivers a probe frame
	Backends       []string      `yaml:"backends" json:"backends" split_words:"true"`
	OpenTimeout    time.Duration `yaml:"open_timeout" json:"open_timeout" split_words:"true"`
	StabilizeDelay time.Duration `yaml:"stabilize_delay" json:"stabilize_delay" split_words:"true"`
	BufferSize     int           `yaml:"buffer_size" json:"buffer_size" split_words:"true"`

	// Acquisition loop pacing
	WarmupDelay        time.Duration `yaml:"warmup_delay" json:"warmup_delay" split_words:"true"`
	FrameInterval      time.Duration `yaml:"frame_interval" json:"frame_interval" split_words:"true"`
	ReadBackoffInitial time.Duration `yaml:"read_backoff_initial" json:"read_backoff_initial" split_words:"true"`
	ReadBackoffMax     time.Duration `yaml:"read_backoff_max" json:"read_backoff_max" split_words:"true"`

	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout" split_words:"true"`
	JPEGQuality int           `yaml:"jpeg_quality" json:"jpeg_quality" split_words:"true"`
}

// DetectorConfig contains object detector settings
type DetectorConfig struct {
	ModelPath    string `yaml:"model_path" json:"model_path" split_words:"true"`
	ClassesPath  string `yaml:"classes_path" json:"classes_path" split_words:"true"` // empty = COCO
	InputSize    int    `yaml:"input_size" json:"input_size" split_words:"true"`
	TrackedClass string `yaml:"tracked_class" json:"tracked_class" split_words:"true"`

	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold" split_words:"true"`
	NMSThreshold        float64 `yaml:"nms_threshold" json:"nms_threshold" split_words:"true"`

	// PreferGPU tries the CUDA backend first and falls back to CPU
	PreferGPU bool `yaml:"prefer_gpu" json:"prefer_gpu" split_words:"true"`

	// Required makes a missing model fatal instead of running without detections
	Required bool `yaml:"required" json:"required" split_words:"true"`
}

// TrackerConfig contains identity tracker settings
type TrackerConfig struct {
	MaxDisappeared int `yaml:"max_disappeared" json:"max_disappeared" split_words:"true"`
}

// ZoneConfig places the doorway and room as fractions of the frame
type ZoneConfig struct {
	DoorwayY float64 `yaml:"doorway_y" json:"doorway_y" split_words:"true"`
	ZoneMin  float64 `yaml:"zone_min" json:"zone_min" split_words:"true"`
	ZoneMax  float64 `yaml:"zone_max" json:"zone_max" split_words:"true"`
}

// EventsConfig sizes the pending event buffer
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" json:"buffer_size" split_words:"true"`
}

// NotificationConfig contains outbound alert settings
type NotificationConfig struct {
	Enabled   bool           `yaml:"enabled" json:"enabled" split_words:"true"`
	QueueSize int            `yaml:"queue_size" json:"queue_size" split_words:"true"`
	MailSend  MailSendConfig `yaml:"mailsend" json:"mailsend"`
	MQTT      MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Retry     RetryConfig    `yaml:"retry" json:"retry"`
}

// MailSendConfig contains MailerSend e-mail settings
type MailSendConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled" split_words:"true"`
	APIToken  string        `yaml:"api_token" json:"-" split_words:"true"`
	FromEmail string        `yaml:"from_email" json:"from_email" split_words:"true"`
	ToEmail   string        `yaml:"to_email" json:"to_email" split_words:"true"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown" split_words:"true"`
	// Endpoint overrides the MailerSend API URL, e.g. for a relay.
	Endpoint  string        `yaml:"endpoint" json:"endpoint" split_words:"true"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" split_words:"true"`
	Broker   string `yaml:"broker" json:"broker" split_words:"true"`
	ClientID string `yaml:"client_id" json:"client_id" split_words:"true"`
	Username string `yaml:"username" json:"username" split_words:"true"`
	Password string `yaml:"password" json:"-" split_words:"true"`
	Topic    string `yaml:"topic" json:"topic" split_words:"true"`
	QoS      byte   `yaml:"qos" json:"qos" envconfig:"QOS"`
	Retained bool   `yaml:"retained" json:"retained" split_words:"true"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" split_words:"true"`
}

// RetryConfig controls per-sink delivery retries
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries" json:"max_retries" split_words:"true"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" split_words:"true"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" split_words:"true"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level       string   `yaml:"level" json:"level" split_words:"true"`
	Format      string   `yaml:"format" json:"format" split_words:"true"` // json, console
	OutputPaths []string `yaml:"output_paths" json:"output_paths" split_words:"true"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "classycam",
			Environment:     "development",
			ShutdownTimeout: 10 * time.Second,
		},
		API: APIConfig{
			ListenAddr: ":5000",
			CORSOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:5173",
			},
			RateLimitEnabled:  true,
			RateLimitRequests: 10,
			RateLimitWindow:   time.Minute,
			FeedInterval:      33 * time.Millisecond,
			MetricsEnabled:    true,
			WebSocketEnabled:  true,
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Stream: StreamConfig{
			DefaultSource:      "0",
			Backends:           []string{"ffmpeg", "any"},
			OpenTimeout:        5 * time.Second,
			StabilizeDelay:     500 * time.Millisecond,
			BufferSize:         1,
			WarmupDelay:        100 * time.Millisecond,
			FrameInterval:      30 * time.Millisecond,
			ReadBackoffInitial: 50 * time.Millisecond,
			ReadBackoffMax:     time.Second,
			StopTimeout:        5 * time.Second,
			JPEGQuality:        80,
		},
		Detector: DetectorConfig{
			ModelPath:           "models/yolov8n.onnx",
			InputSize:           640,
			TrackedClass:        "person",
			ConfidenceThreshold: 0.25,
			NMSThreshold:        0.45,
			PreferGPU:           true,
		},
		Tracker: TrackerConfig{
			MaxDisappeared: 50,
		},
		Zone: ZoneConfig{
			DoorwayY: 0.75,
			ZoneMin:  0.1,
			ZoneMax:  0.9,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Notification: NotificationConfig{
			Enabled:   false,
			QueueSize: 64,
			MailSend: MailSendConfig{
				Cooldown: time.Minute,
			},
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "classycam",
				Topic:          "classycam/events",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
			},
			Retry: RetryConfig{
				MaxRetries:      3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}
