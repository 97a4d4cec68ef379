package config

import (
	"strings"
	"testing"
)

// validConfig returns a configuration that passes validation.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Auth.JWTSecret = "topsecret"
	cfg.setDefaults()
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateBaudRate(t *testing.T) {
	cfg := validConfig()
	cfg.Serial.BaudRate = 12345
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should reject unsupported baud rate")
	}
	if !strings.Contains(err.Error(), "serial.baud_rate") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = ""
	cfg.Auth.JWTSecretFile = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should require a JWT secret")
	}
}

func TestValidateMirror(t *testing.T) {
	cfg := validConfig()
	cfg.Mirror.Enabled = true
	cfg.Mirror.ArchivePath = ""
	cfg.Mirror.NATSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject an enabled mirror with no sinks")
	}

	cfg.Mirror.NATSURL = "nats://localhost:4222"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	// A disabled mirror needs no sinks.
	cfg = validConfig()
	cfg.Mirror.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateLoggingLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject unknown logging level")
	}
}

func TestValidateServerPort(t *testing.T) {
	for _, port := range []int{-1, 70000} {
		cfg := validConfig()
		cfg.Server.Port = port
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate should reject port %d", port)
		}
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Serial.BaudRate = 12345
	cfg.Logging.Level = "verbose"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "serial.baud_rate") || !strings.Contains(msg, "logging.level") {
		t.Errorf("error should report both problems, got: %v", err)
	}
}
