package pipeline

import (
	"context"
	"time"

	"signalhub-go/internal/types"
)

// Uploader validates and stores the incoming file and creates its call record.
type Uploader interface {
	Validate(file types.AudioFile) types.ValidationResult
	Save(ctx context.Context, file types.AudioFile, callID string) (string, error)
	CreateRecord(ctx context.Context, callID, path, filename string, size int64) (types.Call, error)
}

// Transformer reports failures in the result values, never as errors.
type Transformer interface {
	Convert(ctx context.Context, path, format string, sampleRate, channels int) types.ConversionResult
	Analyze(ctx context.Context, path string) types.AnalysisResult
	ExtractSegment(ctx context.Context, path string, start, duration float64, format string) types.SegmentResult
}

type Transcriber interface {
	EnsureLoaded(ctx context.Context, timeout time.Duration) (bool, error)
	Transcribe(ctx context.Context, path, language, task string) (types.TranscriptionResult, error)
	SaveTranscript(callID string, result types.TranscriptionResult) types.SaveResult
}

type Persistence interface {
	UpdateStatus(ctx context.Context, callID string, status types.CallStatus, errText string) error
	StoreTranscript(ctx context.Context, callID string, result types.TranscriptionResult) error
	StoreAnalysis(ctx context.Context, callID string, analysis types.Analysis) error
}

// durationRecorder is implemented by stores that keep the probed duration.
type durationRecorder interface {
	SetDuration(ctx context.Context, callID string, seconds float64) error
}
