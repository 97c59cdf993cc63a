package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration should validate: %v", err)
	}

	if cfg.Server.MaxClients != 4 {
		t.Errorf("Expected default max_clients 4, got %d", cfg.Server.MaxClients)
	}

	if cfg.Server.MaxConnectionTime != 600 {
		t.Errorf("Expected default max_connection_time 600, got %d", cfg.Server.MaxConnectionTime)
	}

	if cfg.Transcription.Model != "small" {
		t.Errorf("Expected default model 'small', got '%s'", cfg.Transcription.Model)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "invalid server port",
			mutate: func(c *Config) {
				c.Server.Port = 70000
			},
			expectError: true,
		},
		{
			name: "zero max clients",
			mutate: func(c *Config) {
				c.Server.MaxClients = 0
			},
			expectError: true,
		},
		{
			name: "zero max connection time",
			mutate: func(c *Config) {
				c.Server.MaxConnectionTime = 0
			},
			expectError: true,
		},
		{
			name: "unsupported sample rate",
			mutate: func(c *Config) {
				c.Audio.SampleRate = 44100
			},
			expectError: true,
		},
		{
			name: "stereo audio rejected",
			mutate: func(c *Config) {
				c.Audio.Channels = 2
			},
			expectError: true,
		},
		{
			name: "chunk max below min",
			mutate: func(c *Config) {
				c.Audio.ChunkMinDuration = 5.0
				c.Audio.ChunkMaxDuration = 2.0
			},
			expectError: true,
		},
		{
			name: "vad threshold out of range",
			mutate: func(c *Config) {
				c.VAD.Threshold = 1.5
			},
			expectError: true,
		},
		{
			name: "empty transcription endpoint",
			mutate: func(c *Config) {
				c.Transcription.Endpoint = ""
			},
			expectError: true,
		},
		{
			name: "empty model",
			mutate: func(c *Config) {
				c.Transcription.Model = ""
			},
			expectError: true,
		},
		{
			name: "metrics enabled without port",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 0
			},
			expectError: true,
		},
		{
			name: "unknown log level",
			mutate: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: 7070
  max_clients: 16
  max_connection_time: 120
transcription:
  model: medium
  endpoint: http://whisper:8000
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", cfg.Server.Port)
	}

	if cfg.Server.MaxClients != 16 {
		t.Errorf("Expected max_clients 16, got %d", cfg.Server.MaxClients)
	}

	if cfg.Transcription.Model != "medium" {
		t.Errorf("Expected model 'medium', got '%s'", cfg.Transcription.Model)
	}

	// Unset sections keep their defaults.
	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Expected default sample rate 16000, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should fall back to defaults: %v", err)
	}

	if cfg.Server.MaxClients != 4 {
		t.Errorf("Expected default max_clients 4, got %d", cfg.Server.MaxClients)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvWhisperModel, "large-v3")
	t.Setenv(EnvMaxClients, "2")
	t.Setenv(EnvMaxConnectionTime, "30")
	t.Setenv(EnvPort, "9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Transcription.Model != "large-v3" {
		t.Errorf("Expected model 'large-v3', got '%s'", cfg.Transcription.Model)
	}

	if cfg.Server.MaxClients != 2 {
		t.Errorf("Expected max_clients 2, got %d", cfg.Server.MaxClients)
	}

	if cfg.Server.MaxConnectionTime != 30 {
		t.Errorf("Expected max_connection_time 30, got %d", cfg.Server.MaxConnectionTime)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.Server.Port)
	}

	if cfg.Server.GetMaxConnectionTime() != 30*time.Second {
		t.Errorf("Expected duration 30s, got %v", cfg.Server.GetMaxConnectionTime())
	}
}

func TestEnvOverridesRejectGarbage(t *testing.T) {
	t.Setenv(EnvMaxClients, "many")

	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("Expected error for non-integer MAX_CLIENTS, got nil")
	}
}

func TestEnvOverridesStillValidated(t *testing.T) {
	t.Setenv(EnvMaxClients, "0")

	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("Expected validation error for MAX_CLIENTS=0, got nil")
	}
}
