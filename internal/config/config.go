// Package config loads service settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Model     Model     `yaml:"model"`
	Inference Inference `yaml:"inference"`
	Store     Store     `yaml:"store"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Port           string        `yaml:"port"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type Model struct {
	Dir         string `yaml:"dir"`
	Checkpoint  string `yaml:"checkpoint"`
	Metadata    string `yaml:"metadata"`
	TargetLayer string `yaml:"target_layer"`
	ONNXLibrary string `yaml:"onnx_library"`
}

type Inference struct {
	JPEGQuality int `yaml:"jpeg_quality"`
	CacheSize   int `yaml:"cache_size"`
}

type Store struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:           "8080",
			MaxInFlight:    2,
			MaxUploadBytes: 10 << 20,
			RequestTimeout: 60 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Model: Model{
			Dir:        "models",
			Checkpoint: "checkpoint.json",
			Metadata:   "model_metadata.json",
		},
		Inference: Inference{
			JPEGQuality: 95,
			CacheSize:   64,
		},
		Store: Store{
			Path: "reports.db",
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults. An empty path skips the file; a named
// file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}
	if dir := os.Getenv("GRADCAM_MODEL_DIR"); dir != "" {
		c.Model.Dir = dir
	}
	if level := os.Getenv("GRADCAM_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		c.Model.ONNXLibrary = lib
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Model.Checkpoint == "" {
		errs = append(errs, errors.New("model.checkpoint is required"))
	}
	if c.Model.Metadata == "" {
		errs = append(errs, errors.New("model.metadata is required"))
	}
	if c.Server.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("server.max_in_flight must be positive, got %d", c.Server.MaxInFlight))
	}
	if c.Inference.JPEGQuality < 1 || c.Inference.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("inference.jpeg_quality must be in [1, 100], got %d", c.Inference.JPEGQuality))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}
	return errors.Join(errs...)
}

// CheckpointPath resolves the weights file against the model directory.
func (c Config) CheckpointPath() string { return c.resolve(c.Model.Checkpoint) }

func (c Config) MetadataPath() string { return c.resolve(c.Model.Metadata) }

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Model.Dir, p)
}
