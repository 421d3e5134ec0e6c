// Package transcription owns the speech-to-text engine: guarded model
// loading, transcription through a pluggable Backend, transcript artifacts
// and progressive chunked transcription.
package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/events"
	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

const disabledReason = "transcription disabled (env flag)"

// Model states reported by Status.
const (
	ModelDisabled  = "disabled"
	ModelNotLoaded = "not_loaded"
	ModelLoading   = "loading"
	ModelReady     = "ready"
)

// SegmentSource cuts and measures audio for chunked transcription.
type SegmentSource interface {
	Analyze(ctx context.Context, path string) types.AnalysisResult
	ExtractSegment(ctx context.Context, path string, start, duration float64, format string) types.SegmentResult
}

type EngineOptions struct {
	Enabled        bool
	ForceLanguage  string
	ModelName      string
	LoadTimeout    time.Duration
	TranscriptsDir string
	Bus            *events.Bus
	Segments       SegmentSource
	Now            func() time.Time
}

type ModelStatus struct {
	Status          string    `json:"status"`
	Loaded          bool      `json:"loaded"`
	Loading         bool      `json:"loading"`
	ModelName       string    `json:"model_name"`
	Backend         string    `json:"backend"`
	LastLoadElapsed float64   `json:"last_load_elapsed"`
	LastLoadedAt    time.Time `json:"last_loaded_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
}

// Engine is safe for concurrent use. Only one model load runs at a time.
type Engine struct {
	backend Backend
	opts    EngineOptions
	log     *logger.Logger

	sem chan struct{}

	mu           sync.RWMutex
	loaded       bool
	loading      bool
	lastElapsed  time.Duration
	lastLoadedAt time.Time
	lastErr      string
}

func NewEngine(backend Backend, opts EngineOptions, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ModelName == "" {
		opts.ModelName = "base"
	}
	return &Engine{
		backend: backend,
		opts:    opts,
		log:     log.Component("transcription"),
		sem:     make(chan struct{}, 1),
	}
}

func (e *Engine) Enabled() bool { return e.opts.Enabled }

// EnsureLoaded loads the model if needed. It reports true only when this call
// performed the load. Waiting for another load longer than timeout gives a
// LockTimeoutError; a non-positive timeout waits until ctx is done.
func (e *Engine) EnsureLoaded(ctx context.Context, timeout time.Duration) (bool, error) {
	if !e.opts.Enabled {
		return false, &types.ModelUnavailableError{Reason: disabledReason}
	}
	if e.isLoaded() {
		return false, nil
	}

	start := e.opts.Now()
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case e.sem <- struct{}{}:
	case <-expired:
		err := &types.LockTimeoutError{Waited: e.opts.Now().Sub(start)}
		e.setLastErr(err.Error())
		e.log.WithError(err).Warn("model load lock wait timed out")
		return false, err
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-e.sem }()

	if e.isLoaded() {
		return false, nil
	}

	e.mu.Lock()
	e.loading = true
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"model": e.opts.ModelName, "backend": e.backend.Name()}).Info("model load begin")

	loadStart := e.opts.Now()
	err := e.backend.Load(ctx)
	elapsed := e.opts.Now().Sub(loadStart)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading = false
	e.lastElapsed = elapsed
	if err != nil {
		e.lastErr = "model failed to load: " + err.Error()
		e.log.WithError(err).WithField("elapsed", elapsed.String()).Error("model load failed")
		return false, &types.ModelUnavailableError{Reason: e.lastErr}
	}
	e.loaded = true
	e.lastErr = ""
	e.lastLoadedAt = e.opts.Now()
	e.log.WithField("elapsed", elapsed.String()).Info("model load complete")
	return true, nil
}

// Transcribe runs the backend on path. When the engine cannot serve the
// request the result carries Success=false and the error describes why.
func (e *Engine) Transcribe(ctx context.Context, path, language, task string) (types.TranscriptionResult, error) {
	if task == "" {
		task = "transcribe"
	}
	res := types.TranscriptionResult{Model: e.opts.ModelName, Task: task}

	if _, err := e.EnsureLoaded(ctx, e.opts.LoadTimeout); err != nil {
		res.Error = err.Error()
		return res, err
	}
	if _, err := os.Stat(path); err != nil {
		res.Error = fmt.Sprintf("audio file not found: %s", path)
		return res, fmt.Errorf("transcribe %s: %w", path, err)
	}

	lang := e.language(language)
	started := e.opts.Now()
	out, err := e.backend.Transcribe(ctx, path, Options{Language: lang, Task: task})
	if err != nil {
		res.Error = err.Error()
		e.log.WithError(err).WithField("path", path).Error("transcription failed")
		return res, err
	}

	res.Success = true
	res.Text = strings.TrimSpace(out.Text)
	res.Language = out.Language
	if res.Language == "" {
		res.Language = lang
	}
	if res.Language == "" {
		res.Language = "unknown"
	}
	res.Segments = out.Segments
	res.Confidence = Confidence(out.Segments)
	res.WordCount = len(strings.Fields(res.Text))

	e.log.WithFields(logrus.Fields{
		"path":       path,
		"language":   res.Language,
		"words":      res.WordCount,
		"confidence": res.Confidence,
		"elapsed":    e.opts.Now().Sub(started).String(),
	}).Info("transcription complete")
	return res, nil
}

// Confidence averages per-segment log probabilities mapped onto [0, 1].
func Confidence(segs []types.Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	var total float64
	for _, s := range segs {
		total += max(0, min(1, (s.AvgLogProb+1)/2))
	}
	return total / float64(len(segs))
}

type transcriptFile struct {
	CallID        string                    `json:"call_id"`
	Transcription types.TranscriptionResult `json:"transcription"`
	Metadata      struct {
		CreatedAt time.Time `json:"created_at"`
		ModelUsed string    `json:"model_used"`
		Backend   string    `json:"backend"`
		FilePath  string    `json:"file_path"`
	} `json:"metadata"`
}

// SaveTranscript writes <dir>/YYYY/MM/DD/<callID>_transcript.json.
func (e *Engine) SaveTranscript(callID string, result types.TranscriptionResult) types.SaveResult {
	now := e.opts.Now()
	dir := filepath.Join(e.opts.TranscriptsDir, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.SaveResult{Error: err.Error()}
	}
	path := filepath.Join(dir, callID+"_transcript.json")

	doc := transcriptFile{CallID: callID, Transcription: result}
	doc.Metadata.CreatedAt = now
	doc.Metadata.ModelUsed = e.opts.ModelName
	doc.Metadata.Backend = e.backend.Name()
	doc.Metadata.FilePath = path

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return types.SaveResult{Error: err.Error()}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.log.WithError(err).WithField("call_id", callID).Error("failed to save transcript")
		return types.SaveResult{Error: err.Error()}
	}
	e.log.WithFields(logrus.Fields{"call_id": callID, "path": path}).Info("transcript saved")
	return types.SaveResult{Success: true, Path: path}
}

func (e *Engine) Status() ModelStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := ModelStatus{
		Loaded:          e.loaded,
		Loading:         e.loading,
		ModelName:       e.opts.ModelName,
		Backend:         e.backend.Name(),
		LastLoadElapsed: e.lastElapsed.Seconds(),
		LastLoadedAt:    e.lastLoadedAt,
		LastError:       e.lastErr,
	}
	switch {
	case !e.opts.Enabled:
		st.Status = ModelDisabled
	case e.loading:
		st.Status = ModelLoading
	case e.loaded:
		st.Status = ModelReady
	default:
		st.Status = ModelNotLoaded
	}
	return st
}

func (e *Engine) language(requested string) string {
	if l := strings.TrimSpace(requested); l != "" {
		return l
	}
	return strings.TrimSpace(e.opts.ForceLanguage)
}

func (e *Engine) isLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

func (e *Engine) setLastErr(msg string) {
	e.mu.Lock()
	e.lastErr = msg
	e.mu.Unlock()
}
