package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8811, cfg.Server.Port)

	assert.Equal(t, "./data/streams", cfg.Storage.OutputRoot)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, 2*time.Second, cfg.Pipeline.SegmentDurationTarget)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.SegmentWindow)
	assert.Equal(t, 3, cfg.Pipeline.PartialFraction)
	assert.Equal(t, 64, cfg.Pipeline.WorkerChannelDepth)

	assert.Equal(t, []string{"vaapi", "nvenc", "qsv", "amf"}, cfg.FFmpeg.HWAccelPriority)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090

storage:
  output_root: "/var/lib/pathrelay/streams"

logging:
  level: "debug"
  format: "text"

pipeline:
  segment_window: 45s
  partial_fraction: 4
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/pathrelay/streams", cfg.Storage.OutputRoot)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.SegmentWindow)
	assert.Equal(t, 4, cfg.Pipeline.PartialFraction)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PATHRELAY_SERVER_PORT", "3000")
	t.Setenv("PATHRELAY_LOGGING_LEVEL", "warn")
	t.Setenv("PATHRELAY_PIPELINE_SEGMENT_WINDOW", "12s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 12*time.Second, cfg.Pipeline.SegmentWindow)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
storage:
  output_root: "./streams"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("PATHRELAY_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "./streams", cfg.Storage.OutputRoot)
}

func baseValidConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Storage: StorageConfig{OutputRoot: "./data"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Pipeline: PipelineConfig{
			SegmentDurationTarget: 2 * time.Second,
			SegmentWindow:         30 * time.Second,
			PartialFraction:       3,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, baseValidConfig().Validate())
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseValidConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestValidate_EmptyOutputRoot(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Storage.OutputRoot = ""
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "storage.output_root")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Logging.Level = "invalid"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_InvalidPipelineTimings(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{"zero segment target", func(c *Config) { c.Pipeline.SegmentDurationTarget = 0 }, "segment_duration_target"},
		{"zero segment window", func(c *Config) { c.Pipeline.SegmentWindow = 0 }, "segment_window"},
		{"zero partial fraction", func(c *Config) { c.Pipeline.PartialFraction = 0 }, "partial_fraction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		expected string
	}{
		{"localhost", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"all interfaces", "0.0.0.0", 3000, "0.0.0.0:3000"},
		{"hostname", "example.com", 443, "example.com:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ServerConfig{Host: tt.host, Port: tt.port}
			assert.Equal(t, tt.expected, cfg.Address())
		})
	}
}

func TestStorageConfig_PipelineRoot(t *testing.T) {
	cfg := &StorageConfig{OutputRoot: "/var/lib/pathrelay/streams"}
	assert.Equal(t, "/var/lib/pathrelay/streams/01JABC", cfg.PipelineRoot("01JABC"))
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
