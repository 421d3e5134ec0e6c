// Package dictation transcribes short base64 audio snippets without going
// through the call pipeline.
package dictation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

const (
	DefaultMaxBytes    = 5 * 1024 * 1024
	DefaultMaxDuration = 2 * time.Minute
	DefaultMediaType   = "audio/wav"
	DefaultSampleRate  = 16000
)

// suffixes is the media type allow-list.
var suffixes = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/ogg":   ".ogg",
	"audio/webm":  ".webm",
}

// Normalizer is the audio surface a snippet needs.
type Normalizer interface {
	Convert(ctx context.Context, path, format string, sampleRate, channels int) types.ConversionResult
	Analyze(ctx context.Context, path string) types.AnalysisResult
}

type Transcriber interface {
	Transcribe(ctx context.Context, path, language, task string) (types.TranscriptionResult, error)
}

type Snippet struct {
	AudioBase64 string `json:"audio_base64"`
	MediaType   string `json:"media_type,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Language    string `json:"language,omitempty"`
}

type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"duration_ms"`
}

type Options struct {
	Dir         string
	MaxBytes    int
	MaxDuration time.Duration
}

type Service struct {
	audio  Normalizer
	engine Transcriber
	opts   Options
	log    *logger.Logger
}

func NewService(audio Normalizer, engine Transcriber, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Service{audio: audio, engine: engine, opts: opts, log: log.Component("dictation")}
}

// Transcribe decodes the snippet, normalizes it to 16k mono wav, checks its
// duration and transcribes it. Bad input gives a ValidationError.
func (s *Service) Transcribe(ctx context.Context, in Snippet) (Result, error) {
	if strings.TrimSpace(in.AudioBase64) == "" {
		return Result{}, invalid("audio_base64 payload is required")
	}
	mediaType := strings.ToLower(strings.TrimSpace(in.MediaType))
	if mediaType == "" {
		mediaType = DefaultMediaType
	}
	suffix, ok := suffixes[mediaType]
	if !ok {
		return Result{}, invalid("unsupported media_type")
	}
	// Reject oversized payloads before decoding them.
	if base64.StdEncoding.DecodedLen(len(in.AudioBase64)) > s.opts.MaxBytes+2 {
		return Result{}, invalid("audio payload exceeds maximum allowed size")
	}
	raw, err := base64.StdEncoding.DecodeString(in.AudioBase64)
	if err != nil {
		return Result{}, invalid("audio_base64 payload is not valid base64")
	}
	if len(raw) == 0 {
		return Result{}, invalid("audio_base64 payload is empty")
	}
	if len(raw) > s.opts.MaxBytes {
		return Result{}, invalid("audio payload exceeds maximum allowed size")
	}
	rate := in.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}

	log := s.log.WithFields(logrus.Fields{"size_bytes": len(raw), "media_type": mediaType})
	log.Info("snippet received")

	if s.opts.Dir != "" {
		if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("dictation dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(s.opts.Dir, "snippet-*"+suffix)
	if err != nil {
		return Result{}, fmt.Errorf("stage snippet: %w", err)
	}
	input := tmp.Name()
	defer os.Remove(input)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("stage snippet: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("stage snippet: %w", err)
	}

	conv := s.audio.Convert(ctx, input, "wav", rate, 1)
	if !conv.Success {
		log.WithField("error", conv.Error).Error("snippet normalization failed")
		return Result{}, fmt.Errorf("unable to normalize audio snippet: %s", conv.Error)
	}
	defer os.Remove(conv.OutputPath)

	info := s.audio.Analyze(ctx, conv.OutputPath)
	if !info.Success {
		return Result{}, fmt.Errorf("unable to analyze audio snippet: %s", info.Error)
	}
	duration := time.Duration(info.DurationSeconds * float64(time.Second))
	if duration > s.opts.MaxDuration {
		return Result{}, invalid("audio snippet duration exceeds limit")
	}

	res, err := s.engine.Transcribe(ctx, conv.OutputPath, in.Language, "transcribe")
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return Result{}, errors.New("transcription failed: " + res.Error)
	}

	out := Result{
		Text:       strings.TrimSpace(res.Text),
		Confidence: res.Confidence,
		DurationMS: duration.Milliseconds(),
	}
	log.WithFields(logrus.Fields{"duration_ms": out.DurationMS, "text_len": len(out.Text)}).Info("snippet transcribed")
	return out, nil
}

func invalid(msg string) error {
	return &types.ValidationError{Errors: []string{msg}}
}
