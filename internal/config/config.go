package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete smartlock configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Worker      WorkerConfig      `yaml:"worker"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CameraConfig describes the live video source
type CameraConfig struct {
	Source        string        `yaml:"source"`       // device index ("0"), file path or rtsp/http url
	FPS           int           `yaml:"fps"`          // processing cadence
	OpenTimeout   time.Duration `yaml:"open_timeout"` // time allowed for the first frame
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// RecognitionConfig contains the unlock decision parameters
type RecognitionConfig struct {
	Threshold   float64       `yaml:"threshold"`    // distance below which a face matches
	HoldTime    time.Duration `yaml:"hold_time"`    // cooldown after an unlock
	JPEGQuality int           `yaml:"jpeg_quality"` // quality of the published stream frames
}

// EnrollmentConfig controls face capture and training artifacts
type EnrollmentConfig struct {
	DataDir         string        `yaml:"data_dir"`
	FaceSize        int           `yaml:"face_size"`
	DefaultImages   int           `yaml:"default_images"`
	DefaultInterval int           `yaml:"default_interval"`
	CaptureTimeout  time.Duration `yaml:"capture_timeout"` // 0 disables
}

// FacesDir is the per-person image collection root.
func (e EnrollmentConfig) FacesDir() string { return filepath.Join(e.DataDir, "faces") }

// ModelPath is the serialized classifier.
func (e EnrollmentConfig) ModelPath() string { return filepath.Join(e.DataDir, "lbph_model.yml") }

// LabelsPath is the serialized label id -> name mapping.
func (e EnrollmentConfig) LabelsPath() string { return filepath.Join(e.DataDir, "labels.json") }

// WorkerConfig describes how to spawn the face capability process
type WorkerConfig struct {
	Python      string        `yaml:"python"`
	Script      string        `yaml:"script"`
	Cascade     string        `yaml:"cascade"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string     `yaml:"broker"` // host:port
	Disabled bool       `yaml:"disabled"`
	ClientID string     `yaml:"client_id"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	QoS      byte       `yaml:"qos"`
	Topics   MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control  string `yaml:"control"`
	Password string `yaml:"password"`
	Opened   string `yaml:"opened"`
	Alert    string `yaml:"alert"`
	AlertAck string `yaml:"alert_ack"`
}

// Activate is the sub-topic that enables door control.
func (t MQTTTopics) Activate() string { return t.Control + "/activate" }

// Deactivate is the sub-topic that disables door control.
func (t MQTTTopics) Deactivate() string { return t.Control + "/deactivate" }

// DatabaseConfig selects the access log backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // mysql, postgres, sqlite (gorm) or pgx (native)
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultPath is used when --config is not given.
const DefaultPath = "smartlock.yaml"

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	cfg, err := parse(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but starts from an empty configuration
// when the default config file does not exist, and applies environment
// overrides before validation.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := parse(path)
	if err != nil {
		if path != DefaultPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides the broker and, when no dsn was configured, builds a
// postgres url from the environment.
func applyEnv(cfg *Config) {
	if broker := os.Getenv("SMARTLOCK_MQTT_BROKER"); broker != "" {
		cfg.MQTT.Broker = broker
	}
	if cfg.Database.DSN != "" {
		return
	}
	// Build a postgres url from the environment
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		cfg.Database.Driver = "pgx"
		cfg.Database.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
}

// OverrideDSN replaces the database dsn (from --db) and re-derives the
// driver from it. Postgres urls go through the native pgx store.
func (c *Config) OverrideDSN(dsn string) {
	if dsn == "" {
		return
	}
	c.Database.DSN = dsn
	c.Database.Driver = driverFromDSN(dsn)
	if c.Database.Driver == "postgres" {
		c.Database.Driver = "pgx"
	}
}

// SlogLevel maps the configured level to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
