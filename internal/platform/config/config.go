// Package config loads recorder configuration from defaults, an optional
// YAML file, a .env file and SEGMENTER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultTargetDuration   = 2 * time.Second
	defaultOverlapWindow    = 200 * time.Millisecond
	defaultFrameRate        = 30
	defaultKeyframeInterval = 60
	defaultWindowSize       = 6
	defaultServerPort       = 8090
	defaultShutdownTimeout  = 5 * time.Second
	defaultQueueSize        = 2400
)

// Config is the complete recorder configuration.
type Config struct {
	Recorder RecorderConfig `mapstructure:"recorder"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Verifier VerifierConfig `mapstructure:"verifier"`
}

// RecorderConfig holds hand-off engine and synthetic source settings.
type RecorderConfig struct {
	TargetDuration time.Duration `mapstructure:"target_duration"`
	OverlapWindow  time.Duration `mapstructure:"overlap_window"`
	Strategy       string        `mapstructure:"strategy"` // dual, single

	FrameRate        int           `mapstructure:"frame_rate"`
	KeyframeInterval int           `mapstructure:"keyframe_interval"` // frames
	Audio            bool          `mapstructure:"audio"`
	Duration         time.Duration `mapstructure:"duration"` // 0 records until interrupted
	Realtime         bool          `mapstructure:"realtime"`
}

// StorageConfig holds segment output settings.
type StorageConfig struct {
	Dir        string `mapstructure:"dir"`
	IndexPath  string `mapstructure:"index_path"` // empty = {dir}/index.db
	WindowSize int    `mapstructure:"window_size"`
}

// ServerConfig holds the status HTTP server settings.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// VerifierConfig holds continuity verifier settings.
type VerifierConfig struct {
	QueueSize int  `mapstructure:"queue_size"`
	Ledger    bool `mapstructure:"ledger"` // write ledger and transitions files
}

// LoadEnv reads .env files into the process environment. With no paths,
// ".env" is used. A missing file yields an error matching fs.ErrNotExist,
// which callers may ignore.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// New returns a viper instance with defaults, environment binding and the
// config file search path set. Callers may bind flags before passing it to
// Load.
func New(configPath string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("segmenter")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.segmenter")
	}

	v.SetEnvPrefix("SEGMENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (if any) and unmarshals and validates the
// configuration. Environment variables take precedence over the file, e.g.
// SEGMENTER_RECORDER_TARGET_DURATION=4s.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
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
func SetDefaults(v *viper.Viper) {
	v.SetDefault("recorder.target_duration", defaultTargetDuration)
	v.SetDefault("recorder.overlap_window", defaultOverlapWindow)
	v.SetDefault("recorder.strategy", "dual")
	v.SetDefault("recorder.frame_rate", defaultFrameRate)
	v.SetDefault("recorder.keyframe_interval", defaultKeyframeInterval)
	v.SetDefault("recorder.audio", true)
	v.SetDefault("recorder.duration", time.Duration(0))
	v.SetDefault("recorder.realtime", true)

	v.SetDefault("storage.dir", "./recordings")
	v.SetDefault("storage.index_path", "")
	v.SetDefault("storage.window_size", defaultWindowSize)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("verifier.queue_size", defaultQueueSize)
	v.SetDefault("verifier.ledger", true)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Recorder.TargetDuration <= 0 {
		return fmt.Errorf("recorder.target_duration must be positive")
	}
	if c.Recorder.OverlapWindow <= 0 || c.Recorder.OverlapWindow >= c.Recorder.TargetDuration {
		return fmt.Errorf("recorder.overlap_window must be positive and shorter than recorder.target_duration")
	}
	validStrategies := map[string]bool{"dual": true, "single": true}
	if !validStrategies[c.Recorder.Strategy] {
		return fmt.Errorf("recorder.strategy must be one of: dual, single")
	}
	if c.Recorder.FrameRate < 1 {
		return fmt.Errorf("recorder.frame_rate must be at least 1")
	}
	if c.Recorder.KeyframeInterval < 1 {
		return fmt.Errorf("recorder.keyframe_interval must be at least 1")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}

	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Verifier.QueueSize < 1 {
		return fmt.Errorf("verifier.queue_size must be at least 1")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IndexFile returns the path of the segment index database.
func (c *StorageConfig) IndexFile() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}
	return filepath.Join(c.Dir, "index.db")
}
