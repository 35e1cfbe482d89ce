// Package config provides configuration management for the streaming pipeline using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultSegmentDurationTarget = 2 * time.Second
	defaultSegmentWindow         = 30 * time.Second
	defaultPartialFraction       = 3
	defaultThumbnailInterval     = 300 * time.Second
	defaultWorkerChannelDepth    = 64
	defaultReorderBufferFrames   = 32
	defaultStatsInterval         = 2 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
)

// Config holds all configuration for the pipeline daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
}

// ServerConfig holds the listen address for the `serve` command's raw
// MPEG-TS TCP ingress. RTMP and SRT listeners are not part of this module.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds file storage configuration for pipeline output.
type StorageConfig struct {
	OutputRoot string `mapstructure:"output_root"`
	TempDir    string `mapstructure:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PipelineConfig holds the per-connection pipeline runtime's tunables.
type PipelineConfig struct {
	// SegmentDurationTarget is the HLS full-segment target duration.
	// Adjusted upward at muxer construction to at least the keyframe interval.
	SegmentDurationTarget time.Duration `mapstructure:"segment_duration_target"`
	// SegmentWindow is the minimum cumulative retained-segment duration in a live playlist.
	SegmentWindow time.Duration `mapstructure:"segment_window"`
	// PartialFraction divides SegmentDurationTarget to derive the LL-HLS partial target.
	PartialFraction int `mapstructure:"partial_fraction"`
	// ThumbnailInterval is the minimum spacing between thumbnail samples.
	ThumbnailInterval time.Duration `mapstructure:"thumbnail_interval"`
	// WorkerChannelDepth is the inbound command channel buffer size per variant worker.
	WorkerChannelDepth int `mapstructure:"worker_channel_depth"`
	// ReorderBufferFrames is the number of decode-order frames retained per source stream
	// before the oldest is forced out in PTS order.
	ReorderBufferFrames int `mapstructure:"reorder_buffer_frames"`
	// StatsInterval is how often the runner computes and emits pipeline stats.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	// SegmentMaxSize is a per-segment file size setting. It is loaded with the
	// rest of the config but no muxer reads it: HLS segments are split on
	// keyframe and duration only. Supports human-readable values like "8MB".
	SegmentMaxSize ByteSize `mapstructure:"segment_max_size"`
}

// FFmpegConfig holds FFmpeg binary configuration used by the per-variant worker
// for scaling, resampling, and encoding.
type FFmpegConfig struct {
	BinaryPath      string   `mapstructure:"binary_path"`      // Path to ffmpeg binary (empty = auto-detect)
	ProbePath       string   `mapstructure:"probe_path"`       // Path to ffprobe binary (empty = auto-detect)
	HWAccelPriority []string `mapstructure:"hwaccel_priority"` // Priority order: vaapi, nvenc, qsv, amf
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PATHRELAY_ and use underscores for nesting.
// Example: PATHRELAY_PIPELINE_SEGMENT_WINDOW=45s.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/pathrelay")
		v.AddConfigPath("$HOME/.pathrelay")
	}

	v.SetEnvPrefix("PATHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8811)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("storage.output_root", "./data/streams")
	v.SetDefault("storage.temp_dir", "./data/tmp")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("pipeline.segment_duration_target", defaultSegmentDurationTarget)
	v.SetDefault("pipeline.segment_window", defaultSegmentWindow)
	v.SetDefault("pipeline.partial_fraction", defaultPartialFraction)
	v.SetDefault("pipeline.thumbnail_interval", defaultThumbnailInterval)
	v.SetDefault("pipeline.worker_channel_depth", defaultWorkerChannelDepth)
	v.SetDefault("pipeline.reorder_buffer_frames", defaultReorderBufferFrames)
	v.SetDefault("pipeline.stats_interval", defaultStatsInterval)
	v.SetDefault("pipeline.segment_max_size", 0)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"vaapi", "nvenc", "qsv", "amf"})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.OutputRoot == "" {
		return fmt.Errorf("storage.output_root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Pipeline.SegmentDurationTarget <= 0 {
		return fmt.Errorf("pipeline.segment_duration_target must be positive")
	}
	if c.Pipeline.SegmentWindow <= 0 {
		return fmt.Errorf("pipeline.segment_window must be positive")
	}
	if c.Pipeline.PartialFraction < 1 {
		return fmt.Errorf("pipeline.partial_fraction must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PipelineRoot returns the output directory for a given pipeline id.
func (c *StorageConfig) PipelineRoot(pipelineID string) string {
	return fmt.Sprintf("%s/%s", c.OutputRoot, pipelineID)
}
