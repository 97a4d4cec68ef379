package config

import (
	"fmt"
	"strings"
)

// validBaudRates are the rates the lab boards are known to use
var validBaudRates = map[int]bool{
	300: true, 1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateSerial(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAuth(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMirror(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLogging(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateServer(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func (c *Config) validateSerial() error {
	if !validBaudRates[c.Serial.BaudRate] {
		return fmt.Errorf("serial.baud_rate %d is not a supported rate", c.Serial.BaudRate)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.JWTSecret == "" && c.Auth.JWTSecretFile == "" {
		return fmt.Errorf("auth.jwt_secret or auth.jwt_secret_file is required")
	}
	return nil
}

func (c *Config) validateMirror() error {
	if !c.Mirror.Enabled {
		return nil
	}
	if c.Mirror.ArchivePath == "" && c.Mirror.NATSURL == "" {
		return fmt.Errorf("mirror.enabled requires mirror.archive_path or mirror.nats_url")
	}
	if c.Mirror.ArchiveSizeMB < 0 {
		return fmt.Errorf("mirror.archive_size_mb must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 {
		return fmt.Errorf("logging.max_size_mb must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range (1-65535)", c.Server.Port)
	}
	return nil
}
