package live

import (
	"context"
	"errors"
	"fmt"

	"signalhub-go/internal/events"
	"signalhub-go/internal/retry"
	"signalhub-go/internal/types"
)

// ChunkTranscriber is the slice of the transcription engine a live session
// needs.
type ChunkTranscriber interface {
	Transcribe(ctx context.Context, path, language, task string) (types.TranscriptionResult, error)
}

// Processor turns incoming chunks into partials and publishes them on the
// bus keyed by session id. Transcription goes through Retry so a chunk that
// lands while the model is still loading waits for it instead of failing.
type Processor struct {
	Sessions   *Manager
	Engine     ChunkTranscriber
	Bus        *events.Bus
	Language   string
	Retry      *retry.Executor
	MaxRetries int
}

// ProcessChunk stores the chunk, transcribes it and records the partial.
func (p *Processor) ProcessChunk(ctx context.Context, id string, raw []byte, ext string) (int, string, error) {
	idx, err := p.Sessions.AddChunk(id, raw, ext)
	if err != nil {
		return 0, "", err
	}
	path, err := p.Sessions.ChunkPath(id, idx)
	if err != nil {
		return idx, "", err
	}

	exec := p.Retry
	if exec == nil {
		exec = retry.New(0, nil)
	}
	res, _, err := retry.Do(ctx, exec, fmt.Sprintf("transcribe_chunk_%d", idx), p.MaxRetries, func(ctx context.Context) (types.TranscriptionResult, error) {
		res, err := p.Engine.Transcribe(ctx, path, p.Language, "transcribe")
		if err == nil && !res.Success {
			err = &types.TransientError{Op: "transcribe chunk", Err: errors.New(res.Error)}
		}
		return res, err
	})
	if err != nil {
		p.Bus.Publish(id, events.Event{Type: events.EventError, Payload: map[string]any{
			"chunk_index": idx,
			"error":       err.Error(),
			"error_kind":  types.Kind(err),
		}})
		return idx, "", err
	}

	if err := p.Sessions.SetPartial(id, idx, res.Text); err != nil {
		return idx, "", err
	}
	p.Bus.Publish(id, events.Event{Type: events.EventPartial, Payload: map[string]any{
		"session_id":  id,
		"chunk_index": idx,
		"text":        res.Text,
		"language":    res.Language,
		"confidence":  res.Confidence,
	}})
	return idx, res.Text, nil
}

// Finish stops the session and emits the terminal event with the final text.
func (p *Processor) Finish(id string) (string, error) {
	text, err := p.Sessions.Stop(id)
	if err != nil {
		return "", err
	}
	p.Bus.Complete(id, map[string]any{"session_id": id, "final_text": text})
	return text, nil
}
