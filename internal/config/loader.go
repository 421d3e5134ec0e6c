package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader resolves configuration from an optional YAML file and environment
// variables. Tests override Lookup and ReadFile.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// fileConfig mirrors the YAML layout of SIGNALHUB_CONFIG_FILE.
type fileConfig struct {
	Port         string `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	ManifestPath string `yaml:"manifest_path"`

	Transcription struct {
		Enabled          *bool  `yaml:"enabled"`
		UseMock          *bool  `yaml:"use_mock"`
		RemoteURL        string `yaml:"remote_url"`
		ModelName        string `yaml:"model_name"`
		ForceLanguage    string `yaml:"force_language"`
		ModelLoadTimeout string `yaml:"model_load_timeout"`
	} `yaml:"transcription"`

	Retry struct {
		MaxRetries *int   `yaml:"max_retries"`
		Unit       string `yaml:"unit"`
	} `yaml:"retry"`

	Upload struct {
		MaxFileSize       string   `yaml:"max_file_size"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"upload"`

	Tracker struct {
		Capacity int    `yaml:"capacity"`
		TTL      string `yaml:"ttl"`
	} `yaml:"tracker"`

	Events struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"events"`

	Audio struct {
		FFmpegPath  string `yaml:"ffmpeg_path"`
		FFprobePath string `yaml:"ffprobe_path"`
	} `yaml:"audio"`
}

// Load builds the configuration: defaults, then the YAML file, then env.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Default()

	if path, ok := l.Lookup("SIGNALHUB_CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		raw, err := l.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := applyYAML(raw, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAML(raw []byte, cfg *Config) error {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}

	setString(&cfg.Port, fc.Port)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.ManifestPath, fc.ManifestPath)

	t := fc.Transcription
	if t.Enabled != nil {
		cfg.Transcription.Enabled = *t.Enabled
	}
	if t.UseMock != nil {
		cfg.Transcription.UseMock = *t.UseMock
	}
	setString(&cfg.Transcription.RemoteURL, t.RemoteURL)
	setString(&cfg.Transcription.ModelName, t.ModelName)
	setString(&cfg.Transcription.ForceLanguage, t.ForceLanguage)
	if err := setDuration(&cfg.Transcription.ModelLoadTimeout, t.ModelLoadTimeout, "transcription.model_load_timeout"); err != nil {
		return err
	}

	if fc.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *fc.Retry.MaxRetries
	}
	if err := setDuration(&cfg.Retry.Unit, fc.Retry.Unit, "retry.unit"); err != nil {
		return err
	}

	if fc.Upload.MaxFileSize != "" {
		size, err := ParseSize(fc.Upload.MaxFileSize)
		if err != nil {
			return fmt.Errorf("config: upload.max_file_size: %w", err)
		}
		cfg.Upload.MaxFileSize = size
	}
	if len(fc.Upload.AllowedExtensions) > 0 {
		cfg.Upload.AllowedExtensions = normalizeExtensions(fc.Upload.AllowedExtensions)
	}

	if fc.Tracker.Capacity > 0 {
		cfg.Tracker.Capacity = fc.Tracker.Capacity
	}
	if err := setDuration(&cfg.Tracker.TTL, fc.Tracker.TTL, "tracker.ttl"); err != nil {
		return err
	}
	if fc.Events.BufferSize > 0 {
		cfg.Events.BufferSize = fc.Events.BufferSize
	}
	setString(&cfg.Audio.FFmpegPath, fc.Audio.FFmpegPath)
	setString(&cfg.Audio.FFprobePath, fc.Audio.FFprobePath)
	return nil
}

func (l Loader) applyEnv(cfg *Config) error {
	l.overrideString("PORT", &cfg.Port)
	l.overrideString("SIGNALHUB_DATA_DIR", &cfg.DataDir)
	l.overrideString("LOG_LEVEL", &cfg.LogLevel)
	l.overrideString("MANIFEST_PATH", &cfg.ManifestPath)
	l.overrideString("TRANSCRIBE_URL", &cfg.Transcription.RemoteURL)
	l.overrideString("SIGNALHUB_MODEL_NAME", &cfg.Transcription.ModelName)
	l.overrideString("SIGNALHUB_FORCE_LANGUAGE", &cfg.Transcription.ForceLanguage)
	l.overrideString("FFMPEG_PATH", &cfg.Audio.FFmpegPath)
	l.overrideString("FFPROBE_PATH", &cfg.Audio.FFprobePath)

	if v, ok := l.value("SIGNALHUB_ENABLE_TRANSCRIPTION"); ok {
		cfg.Transcription.Enabled = parseBool(v, cfg.Transcription.Enabled)
	}
	if v, ok := l.value("USE_MOCK_TRANSCRIBE"); ok {
		cfg.Transcription.UseMock = parseBool(v, cfg.Transcription.UseMock)
	}

	if v, ok := l.value("SIGNALHUB_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SIGNALHUB_MAX_RETRIES: %w", err)
		}
		cfg.Retry.MaxRetries = n
	}
	if err := l.overrideMillis("SIGNALHUB_BACKOFF_UNIT_MS", &cfg.Retry.Unit); err != nil {
		return err
	}
	if err := l.overrideMillis("SIGNALHUB_MODEL_LOAD_TIMEOUT_MS", &cfg.Transcription.ModelLoadTimeout); err != nil {
		return err
	}
	if v, ok := l.value("SIGNALHUB_MAX_FILE_SIZE"); ok {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("config: SIGNALHUB_MAX_FILE_SIZE: %w", err)
		}
		cfg.Upload.MaxFileSize = size
	}
	if v, ok := l.value("SIGNALHUB_TRACKER_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tracker.Capacity = n
		}
	}
	if v, ok := l.value("SIGNALHUB_TRACKER_TTL"); ok {
		if err := setDuration(&cfg.Tracker.TTL, v, "SIGNALHUB_TRACKER_TTL"); err != nil {
			return err
		}
	}
	if v, ok := l.value("SIGNALHUB_EVENT_BUFFER"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Events.BufferSize = n
		}
	}
	return nil
}

func (l Loader) value(key string) (string, bool) {
	v, ok := l.Lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l Loader) overrideString(key string, target *string) {
	if v, ok := l.value(key); ok {
		*target = v
	}
}

func (l Loader) overrideMillis(key string, target *time.Duration) error {
	v, ok := l.value(key)
	if !ok {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = time.Duration(ms) * time.Millisecond
	return nil
}

// ParseSize accepts plain bytes or a KB/MB/GB suffix.
func ParseSize(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult, s = 1024, strings.TrimSuffix(s, "KB")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * mult, nil
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func setString(target *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*target = v
	}
}

func setDuration(target *time.Duration, value, label string) error {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", label, err)
	}
	*target = d
	return nil
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}
