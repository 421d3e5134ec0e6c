package config

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	DefaultPort             = "8001"
	DefaultDataDir          = "audio_uploads"
	DefaultLogLevel         = "info"
	DefaultMaxFileSize      = 100 * 1024 * 1024
	DefaultMaxRetries       = 3
	DefaultBackoffUnit      = time.Second
	DefaultModelLoadTimeout = 30 * time.Second
	DefaultTrackerCapacity  = 1000
	DefaultTrackerTTL       = time.Hour
	DefaultEventBuffer      = 64
	DefaultModelName        = "base"
)

// Config is the resolved runtime configuration of the service.
type Config struct {
	Port         string
	DataDir      string
	LogLevel     string
	ManifestPath string

	Transcription TranscriptionConfig
	Retry         RetryConfig
	Upload        UploadConfig
	Tracker       TrackerConfig
	Events        EventsConfig
	Audio         AudioConfig
}

type TranscriptionConfig struct {
	Enabled          bool
	UseMock          bool
	RemoteURL        string
	ModelName        string
	ForceLanguage    string
	ModelLoadTimeout time.Duration
}

type RetryConfig struct {
	MaxRetries int
	Unit       time.Duration
}

type UploadConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
}

type TrackerConfig struct {
	Capacity int
	TTL      time.Duration
}

type EventsConfig struct {
	BufferSize int
}

type AudioConfig struct {
	FFmpegPath  string
	FFprobePath string
	SampleRate  int
	Channels    int
	Format      string
}

// Default returns the baseline configuration before any overrides.
func Default() Config {
	return Config{
		Port:     DefaultPort,
		DataDir:  DefaultDataDir,
		LogLevel: DefaultLogLevel,
		Transcription: TranscriptionConfig{
			ModelName:        DefaultModelName,
			ModelLoadTimeout: DefaultModelLoadTimeout,
		},
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			Unit:       DefaultBackoffUnit,
		},
		Upload: UploadConfig{
			MaxFileSize:       DefaultMaxFileSize,
			AllowedExtensions: []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac"},
		},
		Tracker: TrackerConfig{
			Capacity: DefaultTrackerCapacity,
			TTL:      DefaultTrackerTTL,
		},
		Events: EventsConfig{
			BufferSize: DefaultEventBuffer,
		},
		Audio: AudioConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			SampleRate:  16000,
			Channels:    1,
			Format:      "wav",
		},
	}
}

// Validate fills zero values with defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Transcription.ModelName == "" {
		c.Transcription.ModelName = DefaultModelName
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Unit <= 0 {
		return fmt.Errorf("config: backoff unit must be positive, got %s", c.Retry.Unit)
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("config: max file size must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Tracker.Capacity <= 0 {
		c.Tracker.Capacity = DefaultTrackerCapacity
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = DefaultEventBuffer
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	return nil
}

// LiveSessionsDir is where microphone sessions keep their chunks.
func (c Config) LiveSessionsDir() string {
	return filepath.Join(c.DataDir, "live_sessions")
}

// TranscriptsDir is where transcript artifacts are written.
func (c Config) TranscriptsDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

// ProcessedDir is where converted audio lands.
func (c Config) ProcessedDir() string {
	return filepath.Join(c.DataDir, "processed")
}

// DictationDir holds decoded dictation snippets while they are transcribed.
func (c Config) DictationDir() string {
	return filepath.Join(c.DataDir, "dictation")
}
