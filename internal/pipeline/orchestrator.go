// Package pipeline drives one call through upload, audio processing,
// transcription and storage, recording every step boundary in the status
// tracker, the debug log and the monitor, and streaming progress on the bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"signalhub-go/internal/analysis"
	"signalhub-go/internal/debuglog"
	"signalhub-go/internal/events"
	"signalhub-go/internal/logger"
	"signalhub-go/internal/monitor"
	"signalhub-go/internal/retry"
	"signalhub-go/internal/tracker"
	"signalhub-go/internal/types"
)

const (
	DefaultFormat      = "wav"
	DefaultSampleRate  = 16000
	DefaultChannels    = 1
	DefaultConcurrency = 4
)

// SegmentSpec asks the audio step to cut one excerpt from the upload.
type SegmentSpec struct {
	Start    float64
	Duration float64
}

type Options struct {
	MaxRetries       int
	ModelLoadTimeout time.Duration
	Format           string
	SampleRate       int
	Channels         int
	Segment          *SegmentSpec
	Language         string
	Task             string
	NewID            func() string
}

// Deps are the collaborators and the shared observability state. Tracker,
// Debug, Bus and Retry are created with defaults when nil; Monitor is
// optional.
type Deps struct {
	Uploader    Uploader
	Transformer Transformer
	Transcriber Transcriber
	Persistence Persistence

	Tracker *tracker.Tracker
	Debug   *debuglog.Logger
	Bus     *events.Bus
	Retry   *retry.Executor
	Monitor *monitor.Monitor
}

// Orchestrator is safe for concurrent use; runs for different calls never
// share mutable state beyond the tracker, debug log, bus and monitor.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *logger.Logger
}

func New(deps Deps, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(tracker.Options{Capacity: 1000, TTL: time.Hour})
	}
	if deps.Debug == nil {
		deps.Debug = debuglog.New(log, 1000, time.Hour)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(events.DefaultBufferSize, log)
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(time.Second, log)
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = DefaultChannels
	}
	if opts.Task == "" {
		opts.Task = "transcribe"
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{deps: deps, opts: opts, log: log.Component("pipeline")}
}

func (o *Orchestrator) Tracker() *tracker.Tracker { return o.deps.Tracker }
func (o *Orchestrator) Events() *events.Bus       { return o.deps.Bus }
func (o *Orchestrator) Monitor() *monitor.Monitor { return o.deps.Monitor }

// Status returns the live step view of a call.
func (o *Orchestrator) Status(callID string) tracker.Status {
	return o.deps.Tracker.Status(callID)
}

type DebugInfo struct {
	Status  tracker.Status    `json:"pipeline_status"`
	Records []debuglog.Record `json:"debug_logs"`
}

func (o *Orchestrator) Debug(callID string) DebugInfo {
	return DebugInfo{Status: o.Status(callID), Records: o.deps.Debug.Records(callID)}
}

type UploadSummary struct {
	FilePath string         `json:"file_path"`
	FileInfo types.FileInfo `json:"file_info"`
	Status   string         `json:"status"`
}

type AudioSummary struct {
	AnalysisCompleted   bool    `json:"analysis_completed"`
	ConversionCompleted bool    `json:"conversion_completed"`
	SegmentCompleted    bool    `json:"segment_completed,omitempty"`
	DurationSeconds     float64 `json:"duration_seconds"`
	ProcessedPath       string  `json:"processed_file_path"`
	Status              string  `json:"status"`
}

type TranscriptionSummary struct {
	Success        bool    `json:"success"`
	TextLength     int     `json:"text_length"`
	Language       string  `json:"language"`
	Confidence     float64 `json:"confidence"`
	TranscriptPath string  `json:"transcript_path,omitempty"`
	Error          string  `json:"error,omitempty"`
	Status         string  `json:"status"`
}

type StorageSummary struct {
	TranscriptStored bool   `json:"transcript_stored"`
	AnalysisStored   bool   `json:"analysis_stored"`
	Status           string `json:"status"`
}

type Summary struct {
	Upload          UploadSummary        `json:"upload"`
	AudioProcessing AudioSummary         `json:"audio_processing"`
	Transcription   TranscriptionSummary `json:"transcription"`
	DatabaseStorage StorageSummary       `json:"database_storage"`
}

// Result is what a finished Process call reports. On failure only CallID and
// Timeline are meaningful.
type Result struct {
	CallID               string         `json:"call_id"`
	PipelineStatus       string         `json:"pipeline_status"`
	Summary              Summary        `json:"pipeline_summary"`
	Analysis             types.Analysis `json:"analysis"`
	Timeline             tracker.Status `json:"processing_timeline"`
	TotalDurationSeconds float64        `json:"total_duration_seconds"`
	Timestamp            time.Time      `json:"timestamp"`
}

// run carries the state one Process call hands from step to step.
type run struct {
	id   string
	file types.AudioFile
	log  *logrus.Entry

	path          string
	processedPath string
	transcript    types.TranscriptionResult
	analysis      types.Analysis
	summary       Summary
}

// Process runs every step in order. The first failing step ends the run,
// marks the call failed and its error is returned wrapped in a StepError.
func (o *Orchestrator) Process(ctx context.Context, file types.AudioFile) (Result, error) {
	return o.ProcessWithID(ctx, o.opts.NewID(), file)
}

// ProcessWithID is Process for callers that hand out the call id before the
// run starts, e.g. to subscribe to its events.
func (o *Orchestrator) ProcessWithID(ctx context.Context, callID string, file types.AudioFile) (Result, error) {
	r := &run{id: callID, file: file}
	r.log = o.log.WithField("call_id", r.id)

	fileInfo := map[string]any{
		"filename":     file.Filename,
		"content_type": file.ContentType,
		"size":         file.Size,
	}
	o.deps.Debug.PipelineStarted(r.id, fileInfo)
	if o.deps.Monitor != nil {
		o.deps.Monitor.Start(r.id, fileInfo)
	}
	r.log.WithField("filename", file.Filename).Info("pipeline started")

	steps := []struct {
		step types.Step
		fn   func(context.Context, *run) (map[string]any, error)
	}{
		{types.StepUpload, o.stepUpload},
		{types.StepAudioProcessing, o.stepAudio},
		{types.StepTranscription, o.stepTranscription},
		{types.StepDatabaseStorage, o.stepStorage},
	}
	for _, s := range steps {
		if err := o.runStep(ctx, r, s.step, s.fn); err != nil {
			o.fail(r, s.step, err)
			return Result{CallID: r.id, PipelineStatus: string(types.CallFailed), Timeline: o.Status(r.id), Timestamp: time.Now().UTC()}, err
		}
	}

	status := o.Status(r.id)
	res := Result{
		CallID:               r.id,
		PipelineStatus:       string(types.CallCompleted),
		Summary:              r.summary,
		Analysis:             r.analysis,
		Timeline:             status,
		TotalDurationSeconds: status.TotalDurationSeconds,
		Timestamp:            time.Now().UTC(),
	}
	o.deps.Debug.PipelineCompleted(r.id, map[string]any{
		"text_length":            res.Summary.Transcription.TextLength,
		"language":               res.Summary.Transcription.Language,
		"transcription_success":  res.Summary.Transcription.Success,
		"total_duration_seconds": res.TotalDurationSeconds,
	})
	if o.deps.Monitor != nil {
		o.deps.Monitor.Complete(r.id)
	}
	o.deps.Bus.Complete(r.id, map[string]any{
		"call_id":    r.id,
		"status":     string(types.CallCompleted),
		"text":       r.transcript.Text,
		"language":   r.transcript.Language,
		"confidence": r.transcript.Confidence,
	})
	r.log.WithField("total_duration", res.TotalDurationSeconds).Info("pipeline completed")
	return res, nil
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, step types.Step, fn func(context.Context, *run) (map[string]any, error)) error {
	if err := o.deps.Tracker.StartStep(r.id, step); err != nil {
		r.log.WithError(err).WithField("step", step).Warn("tracker rejected step start")
	}
	o.deps.Debug.Step(r.id, step, types.StepRunning, nil)
	o.publishStatus(r.id, step, types.StepRunning)
	r.log.WithField("step", step).Info("step started")

	start := time.Now()
	result, err := fn(ctx, r)
	elapsed := time.Since(start)

	if err != nil {
		err = &types.StepError{Step: step, Err: err}
		_ = o.deps.Tracker.FailStep(r.id, step, err)
		o.deps.Debug.Step(r.id, step, types.StepFailed, map[string]any{
			"duration_seconds": elapsed.Seconds(),
			"error_type":       types.Kind(err),
			"error_message":    err.Error(),
		})
		if o.deps.Monitor != nil {
			o.deps.Monitor.Step(r.id, step, types.StepFailed, elapsed, types.Kind(err))
		}
		o.publishStatus(r.id, step, types.StepFailed)
		r.log.WithError(err).WithField("step", step).WithField("elapsed", elapsed.String()).Error("step failed")
		return err
	}

	_ = o.deps.Tracker.CompleteStep(r.id, step, result)
	o.deps.Debug.Step(r.id, step, types.StepCompleted, map[string]any{"duration_seconds": elapsed.Seconds()})
	if o.deps.Monitor != nil {
		o.deps.Monitor.Step(r.id, step, types.StepCompleted, elapsed, "")
	}
	o.publishStatus(r.id, step, types.StepCompleted)
	r.log.WithField("step", step).WithField("elapsed", elapsed.String()).Info("step completed")
	return nil
}

func (o *Orchestrator) stepUpload(ctx context.Context, r *run) (map[string]any, error) {
	v := o.deps.Uploader.Validate(r.file)
	if !v.IsValid {
		return nil, &types.ValidationError{Errors: v.Errors}
	}
	path, err := o.deps.Uploader.Save(ctx, r.file, r.id)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	r.path = path
	if _, err := o.deps.Uploader.CreateRecord(ctx, r.id, path, r.file.Filename, v.FileInfo.Size); err != nil {
		return nil, fmt.Errorf("create call record: %w", err)
	}
	if err := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallUploaded, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	r.summary.Upload = UploadSummary{FilePath: path, FileInfo: v.FileInfo, Status: string(types.StepCompleted)}
	return map[string]any{
		"file_path":           path,
		"file_info":           v.FileInfo,
		"validation_passed":   true,
		"call_record_created": true,
	}, nil
}

// stepAudio never fails on a bad transform: once retries are spent the
// original upload is transcribed instead. Only cancellation and status
// updates end the step.
func (o *Orchestrator) stepAudio(ctx context.Context, r *run) (map[string]any, error) {
	if err := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallProcessing, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	out := map[string]any{}

	analyzed, attempts, err := retryResult(ctx, o, "analyze", func(ctx context.Context) (types.AnalysisResult, error) {
		res := o.deps.Transformer.Analyze(ctx, r.path)
		if !res.Success {
			return res, &types.TransientError{Op: "analyze", Err: errors.New(res.Error)}
		}
		return res, nil
	})
	if isCancel(err) {
		return nil, err
	}
	out["analysis"] = analyzed
	out["analysis_attempts"] = attempts
	if analyzed.Success {
		if rec, ok := o.deps.Persistence.(durationRecorder); ok {
			if err := rec.SetDuration(ctx, r.id, analyzed.DurationSeconds); err != nil {
				r.log.WithError(err).Warn("failed to record duration")
			}
		}
	}

	converted, attempts, err := retryResult(ctx, o, "convert", func(ctx context.Context) (types.ConversionResult, error) {
		res := o.deps.Transformer.Convert(ctx, r.path, o.opts.Format, o.opts.SampleRate, o.opts.Channels)
		if !res.Success {
			return res, &types.TransientError{Op: "convert", Err: errors.New(res.Error)}
		}
		return res, nil
	})
	if isCancel(err) {
		return nil, err
	}
	out["conversion"] = converted
	out["conversion_attempts"] = attempts

	var segmentOK bool
	if seg := o.opts.Segment; seg != nil {
		cut, attempts, err := retryResult(ctx, o, "extract_segment", func(ctx context.Context) (types.SegmentResult, error) {
			res := o.deps.Transformer.ExtractSegment(ctx, r.path, seg.Start, seg.Duration, o.opts.Format)
			if !res.Success {
				return res, &types.TransientError{Op: "extract_segment", Err: errors.New(res.Error)}
			}
			return res, nil
		})
		if isCancel(err) {
			return nil, err
		}
		segmentOK = cut.Success
		out["segments"] = cut
		out["segment_attempts"] = attempts
	}

	r.processedPath = r.path
	if converted.Success && converted.OutputPath != "" {
		r.processedPath = converted.OutputPath
	}
	out["processed_file_path"] = r.processedPath

	r.summary.AudioProcessing = AudioSummary{
		AnalysisCompleted:   analyzed.Success,
		ConversionCompleted: converted.Success,
		SegmentCompleted:    segmentOK,
		DurationSeconds:     analyzed.DurationSeconds,
		ProcessedPath:       r.processedPath,
		Status:              string(types.StepCompleted),
	}
	return out, nil
}

// stepTranscription degrades to an empty transcript when the model is
// unavailable so storage still runs.
func (o *Orchestrator) stepTranscription(ctx context.Context, r *run) (map[string]any, error) {
	if err := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallTranscribing, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	language := r.file.Language
	if language == "" {
		language = o.opts.Language
	}

	res, err := o.transcribe(ctx, r.processedPath, language)
	var unavailable *types.ModelUnavailableError
	switch {
	case err == nil:
	case errors.As(err, &unavailable):
		res = types.TranscriptionResult{Success: false, Language: "unknown", Task: o.opts.Task, Error: err.Error()}
		r.log.WithError(err).Warn("transcription unavailable, continuing with empty transcript")
		o.deps.Bus.Publish(r.id, events.Event{Type: events.EventError, Payload: map[string]any{
			"step":       string(types.StepTranscription),
			"error":      err.Error(),
			"error_kind": types.Kind(err),
		}})
	default:
		return nil, err
	}
	r.transcript = res
	o.publishPartials(r.id, res)

	saved := o.deps.Transcriber.SaveTranscript(r.id, res)
	if !saved.Success {
		r.log.WithField("error", saved.Error).Warn("transcript artifact not saved")
	}

	r.summary.Transcription = TranscriptionSummary{
		Success:        res.Success,
		TextLength:     len(res.Text),
		Language:       res.Language,
		Confidence:     res.Confidence,
		TranscriptPath: saved.Path,
		Error:          res.Error,
		Status:         string(types.StepCompleted),
	}
	return map[string]any{
		"success":            res.Success,
		"transcription_text": res.Text,
		"language":           res.Language,
		"confidence":         res.Confidence,
		"transcript_path":    saved.Path,
		"error":              res.Error,
	}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, path, language string) (types.TranscriptionResult, error) {
	if _, _, err := retry.Do(ctx, o.deps.Retry, "ensure_loaded", o.opts.MaxRetries, func(ctx context.Context) (bool, error) {
		return o.deps.Transcriber.EnsureLoaded(ctx, o.opts.ModelLoadTimeout)
	}); err != nil {
		return types.TranscriptionResult{}, err
	}
	res, _, err := retry.Do(ctx, o.deps.Retry, "transcribe", o.opts.MaxRetries, func(ctx context.Context) (types.TranscriptionResult, error) {
		res, err := o.deps.Transcriber.Transcribe(ctx, path, language, o.opts.Task)
		if err == nil && !res.Success {
			err = &types.TransientError{Op: "transcribe", Err: errors.New(res.Error)}
		}
		return res, err
	})
	return res, err
}

func (o *Orchestrator) stepStorage(ctx context.Context, r *run) (map[string]any, error) {
	if err := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallStoring, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if _, err := o.deps.Retry.Run(ctx, "store_transcript", o.opts.MaxRetries, func(ctx context.Context) error {
		return o.deps.Persistence.StoreTranscript(ctx, r.id, r.transcript)
	}); err != nil {
		return nil, err
	}

	r.analysis = analysis.Analyze(r.transcript.Text)
	if _, err := o.deps.Retry.Run(ctx, "store_analysis", o.opts.MaxRetries, func(ctx context.Context) error {
		return o.deps.Persistence.StoreAnalysis(ctx, r.id, r.analysis)
	}); err != nil {
		return nil, err
	}
	if err := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallCompleted, ""); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	r.summary.DatabaseStorage = StorageSummary{TranscriptStored: true, AnalysisStored: true, Status: string(types.StepCompleted)}
	return map[string]any{
		"transcript_stored":             true,
		"analysis_stored":               true,
		"intent":                        r.analysis.Intent,
		"risk_level":                    r.analysis.RiskLevel,
		"database_operations_completed": true,
	}, nil
}

// fail records the error everywhere and marks the call failed. A failing
// status update is logged, never returned.
func (o *Orchestrator) fail(r *run, step types.Step, err error) {
	o.deps.Debug.Error(r.id, step, err)
	if o.deps.Monitor != nil {
		o.deps.Monitor.Fail(r.id, step, err)
	}
	// the run context may already be done; the failed status must still land
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if uerr := o.deps.Persistence.UpdateStatus(ctx, r.id, types.CallFailed, err.Error()); uerr != nil {
		r.log.WithError(uerr).Warn("failed to mark call failed")
	}
	o.deps.Bus.Publish(r.id, events.Event{Type: events.EventError, Payload: map[string]any{
		"step":       string(step),
		"error":      err.Error(),
		"error_kind": types.Kind(err),
	}})
	o.deps.Bus.Complete(r.id, map[string]any{"call_id": r.id, "status": string(types.CallFailed)})
	r.log.WithError(err).WithField("step", step).Error("pipeline failed")
}

func (o *Orchestrator) publishStatus(callID string, step types.Step, status types.StepStatus) {
	o.deps.Bus.Publish(callID, events.Event{Type: events.EventStatus, Payload: map[string]any{
		"call_id": callID,
		"step":    string(step),
		"status":  string(status),
	}})
}

func (o *Orchestrator) publishPartials(callID string, res types.TranscriptionResult) {
	if len(res.Segments) == 0 {
		if res.Text != "" {
			o.deps.Bus.Publish(callID, events.Event{Type: events.EventPartial, Payload: map[string]any{
				"index": 0,
				"text":  res.Text,
			}})
		}
		return
	}
	for i, seg := range res.Segments {
		o.deps.Bus.Publish(callID, events.Event{Type: events.EventPartial, Payload: map[string]any{
			"index": i,
			"text":  seg.Text,
			"start": seg.Start,
			"end":   seg.End,
		}})
	}
}

// retryResult runs op through the executor and keeps the last result even
// when every attempt failed.
func retryResult[T any](ctx context.Context, o *Orchestrator, name string, op func(context.Context) (T, error)) (T, int, error) {
	var last T
	_, res, err := retry.Do(ctx, o.deps.Retry, name, o.opts.MaxRetries, func(ctx context.Context) (T, error) {
		v, err := op(ctx)
		last = v
		return v, err
	})
	return last, res.Attempts, err
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type BatchItem struct {
	Index    int     `json:"index"`
	Filename string  `json:"filename"`
	CallID   string  `json:"call_id,omitempty"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Result   *Result `json:"result,omitempty"`
}

// ProcessBatch runs up to concurrency calls at once. Items come back in input
// order; one failing file does not stop the others.
func (o *Orchestrator) ProcessBatch(ctx context.Context, files []types.AudioFile, concurrency int) []BatchItem {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	items := make([]BatchItem, len(files))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, f := range files {
		items[i] = BatchItem{Index: i, Filename: f.Filename}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			items[i].Status = string(types.CallFailed)
			items[i].Error = ctx.Err().Error()
			continue
		}
		wg.Add(1)
		go func(i int, f types.AudioFile) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := o.Process(ctx, f)
			items[i].CallID = res.CallID
			if err != nil {
				items[i].Status = string(types.CallFailed)
				items[i].Error = err.Error()
				return
			}
			items[i].Status = res.PipelineStatus
			items[i].Result = &res
		}(i, f)
	}
	wg.Wait()
	o.log.WithField("files", len(files)).WithField("concurrency", concurrency).Info("batch finished")
	return items
}
