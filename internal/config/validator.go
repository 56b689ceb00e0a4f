package config

import (
	"fmt"
	"strings"
	"time"
)

// applyDefaults fills zero values with the built-in defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}

	if cfg.Camera.Source == "" {
		cfg.Camera.Source = "0"
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 30
	}
	if cfg.Camera.OpenTimeout == 0 {
		cfg.Camera.OpenTimeout = 10 * time.Second
	}
	if cfg.Camera.RetryDelay == 0 {
		cfg.Camera.RetryDelay = time.Second
	}
	if cfg.Camera.MaxRetryDelay == 0 {
		cfg.Camera.MaxRetryDelay = 30 * time.Second
	}

	if cfg.Recognition.Threshold == 0 {
		cfg.Recognition.Threshold = 100
	}
	if cfg.Recognition.HoldTime == 0 {
		cfg.Recognition.HoldTime = 7 * time.Second
	}
	if cfg.Recognition.JPEGQuality == 0 {
		cfg.Recognition.JPEGQuality = 85
	}

	if cfg.Enrollment.DataDir == "" {
		cfg.Enrollment.DataDir = "data"
	}
	if cfg.Enrollment.FaceSize == 0 {
		cfg.Enrollment.FaceSize = 200
	}
	if cfg.Enrollment.DefaultImages == 0 {
		cfg.Enrollment.DefaultImages = 100
	}
	if cfg.Enrollment.DefaultInterval == 0 {
		cfg.Enrollment.DefaultInterval = 10
	}

	if cfg.Worker.Python == "" {
		cfg.Worker.Python = "python3"
	}
	if cfg.Worker.Script == "" {
		cfg.Worker.Script = "python/face_worker.py"
	}
	if cfg.Worker.Cascade == "" {
		cfg.Worker.Cascade = "data/haarcascade_frontalface_default.xml"
	}
	if cfg.Worker.ReadTimeout == 0 {
		cfg.Worker.ReadTimeout = 30 * time.Second
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "smartlock"
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = "door/control"
	}
	if cfg.MQTT.Topics.Password == "" {
		cfg.MQTT.Topics.Password = "password/update"
	}
	if cfg.MQTT.Topics.Opened == "" {
		cfg.MQTT.Topics.Opened = "door/opened"
	}
	if cfg.MQTT.Topics.Alert == "" {
		cfg.MQTT.Topics.Alert = "door/alert"
	}
	if cfg.MQTT.Topics.AlertAck == "" {
		cfg.MQTT.Topics.AlertAck = "door/alert/ack"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = driverFromDSN(cfg.Database.DSN)
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "smartlock.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if cfg.Camera.FPS < 1 {
		return fmt.Errorf("camera.fps must be > 0, got %d", cfg.Camera.FPS)
	}
	if cfg.Camera.MaxRetryDelay < cfg.Camera.RetryDelay {
		return fmt.Errorf("camera.max_retry_delay (%s) must be >= camera.retry_delay (%s)",
			cfg.Camera.MaxRetryDelay, cfg.Camera.RetryDelay)
	}

	if cfg.Recognition.Threshold < 0 {
		return fmt.Errorf("recognition.threshold must be >= 0, got %f", cfg.Recognition.Threshold)
	}
	if cfg.Recognition.HoldTime < 0 {
		return fmt.Errorf("recognition.hold_time must be >= 0, got %s", cfg.Recognition.HoldTime)
	}
	if cfg.Recognition.JPEGQuality < 1 || cfg.Recognition.JPEGQuality > 100 {
		return fmt.Errorf("recognition.jpeg_quality must be between 1 and 100, got %d", cfg.Recognition.JPEGQuality)
	}

	if cfg.Enrollment.FaceSize < 8 {
		return fmt.Errorf("enrollment.face_size must be >= 8, got %d", cfg.Enrollment.FaceSize)
	}
	if cfg.Enrollment.DefaultImages < 1 || cfg.Enrollment.DefaultInterval < 1 {
		return fmt.Errorf("enrollment.default_images and enrollment.default_interval must be >= 1")
	}
	if cfg.Enrollment.CaptureTimeout < 0 {
		return fmt.Errorf("enrollment.capture_timeout must be >= 0")
	}

	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	switch cfg.Database.Driver {
	case "mysql", "postgres", "sqlite", "pgx":
	default:
		return fmt.Errorf("database.driver must be one of mysql, postgres, sqlite, pgx, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", cfg.Database.Driver)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}

// driverFromDSN guesses the gorm dialect from the shape of the dsn.
func driverFromDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		return "postgres"
	case strings.HasPrefix(dsn, "mysql://"), strings.Contains(dsn, "@tcp("), strings.Contains(dsn, "@unix("):
		return "mysql"
	default:
		return "sqlite"
	}
}
