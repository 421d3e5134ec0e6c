package transcription

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/events"
)

const (
	maxUnboundedChunks   = 240
	DefaultChunkSeconds  = 15.0
	DefaultStrideSeconds = 5.0
)

// ChunkOptions shapes the window schedule. Zero values take the defaults;
// a negative StrideSeconds asks for back-to-back windows with no overlap.
type ChunkOptions struct {
	ChunkSeconds  float64
	StrideSeconds float64
	Language      string
	Task          string
}

// ChunkResult is one progressive partial, also published as a partial event.
type ChunkResult struct {
	Index int     `json:"chunk_index"`
	Start float64 `json:"start_sec"`
	End   float64 `json:"end_sec"`
	Text  string  `json:"text"`
}

// ChunkSummary is the terminal result of a chunked run, returned separately
// from the streamed partials.
type ChunkSummary struct {
	Success    bool          `json:"success"`
	Text       string        `json:"text"`
	Language   string        `json:"language"`
	ChunkCount int           `json:"chunk_count"`
	Model      string        `json:"model"`
	Chunks     []ChunkResult `json:"chunks"`
}

// TranscribeInChunks walks path in overlapping windows, publishing a partial
// event per window on key. It does not emit the terminal event.
func (e *Engine) TranscribeInChunks(ctx context.Context, key, path string, opts ChunkOptions) (ChunkSummary, error) {
	if e.opts.Segments == nil {
		return ChunkSummary{}, errors.New("chunked transcription requires a segment source")
	}
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = DefaultChunkSeconds
	}
	switch {
	case opts.StrideSeconds == 0:
		opts.StrideSeconds = DefaultStrideSeconds
	case opts.StrideSeconds < 0:
		opts.StrideSeconds = 0
	}
	if opts.Task == "" {
		opts.Task = "transcribe"
	}
	if _, err := e.EnsureLoaded(ctx, e.opts.LoadTimeout); err != nil {
		return ChunkSummary{}, err
	}

	lang := e.language(opts.Language)
	var total float64
	if info := e.opts.Segments.Analyze(ctx, path); info.Success {
		total = info.DurationSeconds
	}
	step := math.Max(0.1, opts.ChunkSeconds-opts.StrideSeconds)
	log := e.log.WithFields(logrus.Fields{"key": key, "path": path})
	log.WithFields(logrus.Fields{"chunk": opts.ChunkSeconds, "stride": opts.StrideSeconds}).Info("chunked transcription start")

	summary := ChunkSummary{Model: e.opts.ModelName, Language: lang}
	var parts []string
	for idx, start := 0, 0.0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if total > 0 && start+opts.ChunkSeconds > total+0.25 && idx > 0 {
			break
		}
		if total == 0 && idx >= maxUnboundedChunks {
			break
		}

		seg := e.opts.Segments.ExtractSegment(ctx, path, start, opts.ChunkSeconds, "wav")
		if !seg.Success {
			log.WithField("start", start).Warn("chunk extraction failed: " + seg.Error)
			break
		}
		out, err := e.backend.Transcribe(ctx, seg.OutputPath, Options{Language: lang, Task: opts.Task})
		_ = os.Remove(seg.OutputPath)
		text := ""
		if err != nil {
			log.WithError(err).WithField("chunk_index", idx).Warn("chunk transcription failed")
		} else {
			text = strings.TrimSpace(out.Text)
			if summary.Language == "" {
				summary.Language = out.Language
			}
		}

		chunk := ChunkResult{
			Index: idx,
			Start: round3(start),
			End:   round3(start + opts.ChunkSeconds),
			Text:  text,
		}
		summary.Chunks = append(summary.Chunks, chunk)
		if e.opts.Bus != nil {
			e.opts.Bus.Publish(key, events.Event{Type: events.EventPartial, Payload: map[string]any{
				"chunk_index": chunk.Index,
				"start_sec":   chunk.Start,
				"end_sec":     chunk.End,
				"text":        chunk.Text,
			}})
		}
		if text != "" {
			parts = append(parts, text)
		}

		start += step
		if total > 0 && start >= total {
			break
		}
	}

	summary.ChunkCount = len(summary.Chunks)
	summary.Text = strings.TrimSpace(strings.Join(parts, " "))
	summary.Success = true
	if summary.Language == "" {
		summary.Language = "unknown"
	}
	log.WithField("chunks", summary.ChunkCount).Info("chunked transcription complete")
	return summary, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
