// Package config reads the YAML configuration of the cctv command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	cctv "github.com/i5heu/ouroboros-cctv"
	"github.com/i5heu/ouroboros-cctv/pkg/capture"
	"github.com/i5heu/ouroboros-cctv/pkg/ipfs"
	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
	"github.com/i5heu/ouroboros-cctv/pkg/logging"
	"github.com/i5heu/ouroboros-cctv/pkg/transport"
)

// DefaultPath is read when no file is given on the command line.
const DefaultPath = "config.yaml"

type Config struct {
	DataDir       string        `yaml:"data_dir"`
	KeyName       string        `yaml:"key_name"`
	SpoolDir      string        `yaml:"spool_dir"`
	KeepSpool     bool          `yaml:"keep_spool"`
	MinimumFreeGB int           `yaml:"minimum_free_gb"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
	AEADInterval  uint64        `yaml:"aead_interval"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	Offline       bool          `yaml:"offline"`

	Log      LogConfig      `yaml:"log"`
	IPFS     IPFSConfig     `yaml:"ipfs"`
	Playback PlaybackConfig `yaml:"playback"`
	Status   StatusConfig   `yaml:"status"`
	Capture  CaptureConfig  `yaml:"capture"`
	Streams  []StreamConfig `yaml:"streams"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type IPFSConfig struct {
	API             string        `yaml:"api"`
	Gateway         string        `yaml:"gateway"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
	PrimaryTimeout  time.Duration `yaml:"primary_timeout"`
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
	UploadAttempts  uint          `yaml:"upload_attempts"`
	VerifyFallback  bool          `yaml:"verify_fallback"`
}

type PlaybackConfig struct {
	// Unauthenticated is "accept" or "reject".
	Unauthenticated string  `yaml:"unauthenticated"`
	FPS             float64 `yaml:"fps"`
}

type StatusConfig struct {
	// Listen is the address of the status server. Empty disables it.
	Listen string `yaml:"listen"`
}

type CaptureConfig struct {
	FPS     float64 `yaml:"fps"`
	Quality int     `yaml:"quality"`
	FFmpeg  string  `yaml:"ffmpeg"`
	Loop    bool    `yaml:"loop"`
}

type StreamConfig struct {
	// ID defaults to the position of the stream in the list.
	ID    string `yaml:"id"`
	Input string `yaml:"input"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path, applies environment overrides and defaults, and validates
// the result. A missing file at DefaultPath is not an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	var c Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	c.applyEnv()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("CCTV_DATA_DIR", c.DataDir)
	c.IPFS.API = getEnv("CCTV_IPFS_API", c.IPFS.API)
	c.IPFS.Gateway = getEnv("CCTV_IPFS_GATEWAY", c.IPFS.Gateway)
	c.Log.Level = getEnv("CCTV_LOG_LEVEL", c.Log.Level)
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.KeyName == "" {
		c.KeyName = cctv.DefaultKeyName
	}
	if c.ChunkDuration == 0 {
		c.ChunkDuration = cctv.DefaultChunkDuration
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = cctv.DefaultFlushTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logging.FormatText)
	}
	if c.IPFS.API == "" {
		c.IPFS.API = ipfs.DefaultAPIURL
	}
	if c.IPFS.Gateway == "" {
		c.IPFS.Gateway = ipfs.DefaultGatewayURL
	}
	if c.IPFS.UploadTimeout == 0 {
		c.IPFS.UploadTimeout = transport.DefaultUploadTimeout
	}
	if c.IPFS.PrimaryTimeout == 0 {
		c.IPFS.PrimaryTimeout = transport.DefaultPrimaryTimeout
	}
	if c.IPFS.FallbackTimeout == 0 {
		c.IPFS.FallbackTimeout = transport.DefaultFallbackTimeout
	}
	if c.IPFS.UploadAttempts == 0 {
		c.IPFS.UploadAttempts = transport.DefaultUploadAttempts
	}
	if c.Playback.FPS == 0 {
		c.Playback.FPS = 30
	}
	if c.Capture.Quality == 0 {
		c.Capture.Quality = 5
	}
	for i := range c.Streams {
		if c.Streams[i].ID == "" {
			c.Streams[i].ID = strconv.Itoa(i)
		}
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ChunkDuration < 0 {
		return fmt.Errorf("config: chunk_duration must not be negative, got %s", c.ChunkDuration)
	}
	if c.MinimumFreeGB < 0 {
		return fmt.Errorf("config: minimum_free_gb must not be negative, got %d", c.MinimumFreeGB)
	}
	if c.Playback.FPS < 0 || c.Capture.FPS < 0 {
		return errors.New("config: fps must not be negative")
	}
	if c.Capture.Quality < 2 || c.Capture.Quality > 31 {
		return fmt.Errorf("config: capture quality must be between 2 and 31, got %d", c.Capture.Quality)
	}
	if _, err := cctv.ParseUnauthenticatedPolicy(c.Playback.Unauthenticated); err != nil {
		return fmt.Errorf("config: playback.unauthenticated: %w", err)
	}
	if _, err := logging.New(c.Log.Level, logging.Format(c.Log.Format)); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, s := range c.Streams {
		if !ledger.ValidStreamID(s.ID) {
			return fmt.Errorf("config: stream %d: invalid id %q", i, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: stream id %q used twice", s.ID)
		}
		seen[s.ID] = true
		if s.Input == "" {
			return fmt.Errorf("config: stream %s: no input", s.ID)
		}
	}
	return nil
}

// AddInputs appends a stream per input, numbered with the lowest ids not
// taken by configured streams, and validates the merged list.
func (c *Config) AddInputs(inputs ...string) error {
	taken := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		taken[s.ID] = true
	}
	next := 0
	for _, in := range inputs {
		for taken[strconv.Itoa(next)] {
			next++
		}
		id := strconv.Itoa(next)
		taken[id] = true
		c.Streams = append(c.Streams, StreamConfig{ID: id, Input: in})
	}
	return c.Validate()
}

// CaptureOptions returns the options for capture.Open.
func (c Config) CaptureOptions() capture.Options {
	return capture.Options{
		FPS:        c.Capture.FPS,
		Quality:    c.Capture.Quality,
		FFmpegPath: c.Capture.FFmpeg,
		Loop:       c.Capture.Loop,
	}
}

// Pipeline maps the file settings onto a pipeline configuration. Logger and
// metrics are left to the caller.
func (c Config) Pipeline() cctv.Config {
	policy, _ := cctv.ParseUnauthenticatedPolicy(c.Playback.Unauthenticated)
	return cctv.Config{
		DataDir:         c.DataDir,
		KeyName:         c.KeyName,
		SpoolDir:        c.SpoolDir,
		KeepSpool:       c.KeepSpool,
		MinimumFreeGB:   c.MinimumFreeGB,
		ChunkDuration:   c.ChunkDuration,
		AEADInterval:    c.AEADInterval,
		FlushTimeout:    c.FlushTimeout,
		IPFSAPI:         c.IPFS.API,
		GatewayURL:      c.IPFS.Gateway,
		UploadTimeout:   c.IPFS.UploadTimeout,
		PrimaryTimeout:  c.IPFS.PrimaryTimeout,
		FallbackTimeout: c.IPFS.FallbackTimeout,
		UploadAttempts:  c.IPFS.UploadAttempts,
		VerifyFallback:  c.IPFS.VerifyFallback,
		Offline:         c.Offline,
		Unauthenticated: policy,
	}
}
