package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure
type Config struct {
	App      AppConfig      `json:"app"`
	Serial   SerialConfig   `json:"serial"`
	Auth     AuthConfig     `json:"auth"`
	Database DatabaseConfig `json:"database"`
	Mirror   MirrorConfig   `json:"mirror"`
	Upload   UploadConfig   `json:"upload"`
	Logging  LoggingConfig  `json:"logging"`
	Server   ServerConfig   `json:"server"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
}

// SerialConfig contains defaults for serial sessions
type SerialConfig struct {
	BaudRate int `json:"baud_rate"` // default baud rate for reader sessions
}

// AuthConfig contains token verification settings.
// Tokens are issued by the booking application with the same secret.
type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret"`
	JWTSecretFile string `json:"jwt_secret_file"` // overrides jwt_secret when set
}

// DatabaseConfig points at the reservation application's SQLite database
type DatabaseConfig struct {
	Path string `json:"path"`
}

// MirrorConfig controls the best-effort telemetry mirror
type MirrorConfig struct {
	Enabled       bool   `json:"enabled"`
	ArchivePath   string `json:"archive_path"`    // "" disables file archiving
	ArchiveSizeMB int    `json:"archive_size_mb"` // max size before rotation
	ArchiveKeep   int    `json:"archive_keep"`    // rotated files to keep
	Compress      bool   `json:"compress"`
	NATSURL       string `json:"nats_url"` // "" disables bus mirroring
	SubjectPrefix string `json:"subject_prefix"`
	MaxReconnects int    `json:"max_reconnects"`
}

// UploadConfig contains sketch staging settings
type UploadConfig struct {
	DataDir string `json:"data_dir"` // scratch directory for staged sketches
}

// LoggingConfig contains service log and rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path"`   // "" logs to stdout
	MaxSizeMB  int    `json:"max_size_mb"` // max size before rotation
	MaxBackups int    `json:"max_backups"` // old log files to keep
	Compress   bool   `json:"compress"`
	Level      string `json:"level"` // debug, info, warn, error
}

// ServerConfig contains HTTP/WebSocket server settings
type ServerConfig struct {
	Port               int `json:"port"`
	ShutdownTimeoutSec int `json:"shutdown_timeout_sec"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in default values for optional fields
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "DeviceLab"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}

	if c.Database.Path == "" {
		c.Database.Path = "./devicelab.db"
	}

	if c.Mirror.SubjectPrefix == "" {
		c.Mirror.SubjectPrefix = "devicelab"
	}
	if c.Mirror.ArchiveSizeMB == 0 {
		c.Mirror.ArchiveSizeMB = 50
	}
	if c.Mirror.ArchiveKeep == 0 {
		c.Mirror.ArchiveKeep = 5
	}
	if c.Mirror.MaxReconnects == 0 {
		c.Mirror.MaxReconnects = 10
	}

	if c.Upload.DataDir == "" {
		c.Upload.DataDir = "./data"
	}

	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}
}

// Secret returns the token-verification secret, reading the secret file
// when one is configured.
func (a *AuthConfig) Secret() ([]byte, error) {
	if a.JWTSecretFile != "" {
		data, err := os.ReadFile(a.JWTSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT secret file: %w", err)
		}
		return data, nil
	}
	return []byte(a.JWTSecret), nil
}

// ShutdownTimeout returns the graceful shutdown bound as a duration.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSec) * time.Second
}
