// Package config provides configuration management for the Restolytics Agent.
// Configuration is layered: built-in defaults, an optional YAML file, then
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort       = 8790
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "json"
	DefaultDataDir    = ".restolytics"
	DefaultBackendURL = "http://127.0.0.1:8000/api"

	// Pipeline defaults. The dashboard sampled every 5th frame of a nominal
	// 25 fps timeline and encoded JPEG at quality 0.8.
	DefaultSampleInterval = 5
	DefaultJPEGQuality    = 80
	DefaultFrameRate      = 25.0
	DefaultRequestTimeout = 30 * time.Second
	DefaultUploadRetries  = 2
	DefaultRetryBackoff   = 500 * time.Millisecond

	DefaultMQTTTopic     = "restolytics/pipeline"
	DefaultAMQPExchange  = "restolytics.pipeline"
	DefaultArchiveBucket = "frames"

	// EnvConfigFile names the optional YAML configuration file.
	EnvConfigFile = "RESTOLYTICS_CONFIG"

	// Database filename
	DBFilename = "restolytics.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	Headless() bool

	BackendURL() string
	BackendToken() string
	RequestTimeout() time.Duration
	UploadRetries() int
	RetryBackoff() time.Duration

	SampleInterval() int
	JPEGQuality() int
	FrameRate() float64
	FFmpegPath() string
	FFprobePath() string

	MetricsEnabled() bool
	OTLPEndpoint() string

	MQTTBroker() string
	MQTTTopic() string
	AMQPURL() string
	AMQPExchange() string

	ArchiveEnabled() bool
	ArchiveEndpoint() string
	ArchiveAccessKey() string
	ArchiveSecretKey() string
	ArchiveBucket() string
	ArchiveUseSSL() bool
}

// EnvConfig holds the merged configuration values.
type EnvConfig struct {
	Values Values
}

// Values is the flat settings struct shared by the YAML file and the
// environment parser.
type Values struct {
	Port      int    `yaml:"port" env:"RESTOLYTICS_PORT"`
	LogLevel  string `yaml:"log_level" env:"RESTOLYTICS_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"RESTOLYTICS_LOG_FORMAT"`
	DataDir   string `yaml:"data_dir" env:"RESTOLYTICS_DATA_DIR"`
	Headless  bool   `yaml:"headless" env:"RESTOLYTICS_HEADLESS"`

	BackendURL     string        `yaml:"backend_url" env:"RESTOLYTICS_BACKEND_URL"`
	BackendToken   string        `yaml:"backend_token" env:"RESTOLYTICS_BACKEND_TOKEN"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"RESTOLYTICS_REQUEST_TIMEOUT"`
	UploadRetries  int           `yaml:"upload_retries" env:"RESTOLYTICS_UPLOAD_RETRIES"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" env:"RESTOLYTICS_RETRY_BACKOFF"`

	SampleInterval int     `yaml:"sample_interval" env:"RESTOLYTICS_SAMPLE_INTERVAL"`
	JPEGQuality    int     `yaml:"jpeg_quality" env:"RESTOLYTICS_JPEG_QUALITY"`
	FrameRate      float64 `yaml:"frame_rate" env:"RESTOLYTICS_FRAME_RATE"`
	FFmpegPath     string  `yaml:"ffmpeg_path" env:"RESTOLYTICS_FFMPEG_PATH"`
	FFprobePath    string  `yaml:"ffprobe_path" env:"RESTOLYTICS_FFPROBE_PATH"`

	MetricsEnabled bool   `yaml:"metrics_enabled" env:"RESTOLYTICS_METRICS_ENABLED"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"RESTOLYTICS_OTLP_ENDPOINT"`

	MQTTBroker   string `yaml:"mqtt_broker" env:"RESTOLYTICS_MQTT_BROKER"`
	MQTTTopic    string `yaml:"mqtt_topic" env:"RESTOLYTICS_MQTT_TOPIC"`
	AMQPURL      string `yaml:"amqp_url" env:"RESTOLYTICS_AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" env:"RESTOLYTICS_AMQP_EXCHANGE"`

	ArchiveEndpoint  string `yaml:"archive_endpoint" env:"RESTOLYTICS_ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `yaml:"archive_access_key" env:"RESTOLYTICS_ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `yaml:"archive_secret_key" env:"RESTOLYTICS_ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `yaml:"archive_bucket" env:"RESTOLYTICS_ARCHIVE_BUCKET"`
	ArchiveUseSSL    bool   `yaml:"archive_use_ssl" env:"RESTOLYTICS_ARCHIVE_USE_SSL"`
}

// Defaults returns the built-in configuration values.
func Defaults() Values {
	return Values{
		Port:           DefaultPort,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		DataDir:        defaultDataDir(),
		BackendURL:     DefaultBackendURL,
		RequestTimeout: DefaultRequestTimeout,
		UploadRetries:  DefaultUploadRetries,
		RetryBackoff:   DefaultRetryBackoff,
		SampleInterval: DefaultSampleInterval,
		JPEGQuality:    DefaultJPEGQuality,
		FrameRate:      DefaultFrameRate,
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		MetricsEnabled: true,
		MQTTTopic:      DefaultMQTTTopic,
		AMQPExchange:   DefaultAMQPExchange,
		ArchiveBucket:  DefaultArchiveBucket,
	}
}

// New creates a new EnvConfig with defaults, the optional YAML file named by
// RESTOLYTICS_CONFIG, and environment variable overrides
func New() (*EnvConfig, error) {
	v := Defaults()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := loadFile(path, &v); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(&v); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &EnvConfig{Values: v}, nil
}

func loadFile(path string, v *Values) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (v Values) Validate() error {
	var errs []error
	if v.Port < 1 || v.Port > 65535 {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}
	if v.SampleInterval < 1 {
		errs = append(errs, errors.New("sample_interval must be at least 1"))
	}
	if v.JPEGQuality < 1 || v.JPEGQuality > 100 {
		errs = append(errs, errors.New("jpeg_quality must be between 1 and 100"))
	}
	if v.FrameRate < 0 {
		errs = append(errs, errors.New("frame_rate must not be negative"))
	}
	if v.UploadRetries < 0 {
		errs = append(errs, errors.New("upload_retries must not be negative"))
	}
	if v.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}
	switch strings.ToLower(v.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or text", v.LogFormat))
	}
	return errors.Join(errs...)
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.Values.Port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.Values.LogLevel
}

// LogFormat returns json or text
func (c *EnvConfig) LogFormat() string {
	return strings.ToLower(c.Values.LogFormat)
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.Values.DataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.Values.DataDir, DBFilename)
}

func (c *EnvConfig) Headless() bool {
	return c.Values.Headless
}

// BackendURL returns the analysis backend base URL without a trailing slash.
func (c *EnvConfig) BackendURL() string {
	return strings.TrimRight(c.Values.BackendURL, "/")
}

func (c *EnvConfig) BackendToken() string {
	return c.Values.BackendToken
}

// RequestTimeout bounds every single backend call.
func (c *EnvConfig) RequestTimeout() time.Duration {
	return c.Values.RequestTimeout
}

// UploadRetries is the number of extra attempts for a retryable frame upload.
func (c *EnvConfig) UploadRetries() int {
	return c.Values.UploadRetries
}

func (c *EnvConfig) RetryBackoff() time.Duration {
	return c.Values.RetryBackoff
}

func (c *EnvConfig) SampleInterval() int {
	return c.Values.SampleInterval
}

func (c *EnvConfig) JPEGQuality() int {
	return c.Values.JPEGQuality
}

// FrameRate returns the nominal frame rate. Zero means use the probed rate.
func (c *EnvConfig) FrameRate() float64 {
	return c.Values.FrameRate
}

func (c *EnvConfig) FFmpegPath() string {
	return c.Values.FFmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.Values.FFprobePath
}

func (c *EnvConfig) MetricsEnabled() bool {
	return c.Values.MetricsEnabled
}

func (c *EnvConfig) OTLPEndpoint() string {
	return c.Values.OTLPEndpoint
}

func (c *EnvConfig) MQTTBroker() string {
	return c.Values.MQTTBroker
}

func (c *EnvConfig) MQTTTopic() string {
	return c.Values.MQTTTopic
}

func (c *EnvConfig) AMQPURL() string {
	return c.Values.AMQPURL
}

func (c *EnvConfig) AMQPExchange() string {
	return c.Values.AMQPExchange
}

// ArchiveEnabled reports whether captured frames are copied to object storage.
func (c *EnvConfig) ArchiveEnabled() bool {
	return c.Values.ArchiveEndpoint != ""
}

func (c *EnvConfig) ArchiveEndpoint() string {
	return c.Values.ArchiveEndpoint
}

func (c *EnvConfig) ArchiveAccessKey() string {
	return c.Values.ArchiveAccessKey
}

func (c *EnvConfig) ArchiveSecretKey() string {
	return c.Values.ArchiveSecretKey
}

func (c *EnvConfig) ArchiveBucket() string {
	return c.Values.ArchiveBucket
}

func (c *EnvConfig) ArchiveUseSSL() bool {
	return c.Values.ArchiveUseSSL
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
