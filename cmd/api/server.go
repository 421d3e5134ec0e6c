package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalhub-go/internal/analysis"
	"signalhub-go/internal/audio"
	"signalhub-go/internal/config"
	"signalhub-go/internal/dataset"
	"signalhub-go/internal/debuglog"
	"signalhub-go/internal/dictation"
	"signalhub-go/internal/events"
	"signalhub-go/internal/live"
	"signalhub-go/internal/logger"
	"signalhub-go/internal/monitor"
	"signalhub-go/internal/pipeline"
	"signalhub-go/internal/report"
	"signalhub-go/internal/retry"
	"signalhub-go/internal/store"
	"signalhub-go/internal/tracker"
	"signalhub-go/internal/transcription"
	"signalhub-go/internal/types"
	"signalhub-go/internal/upload"
)

const (
	sseKeepAlive  = 15 * time.Second
	maxChunkBytes = 10 << 20
	historyLimit  = 50
)

// maxDictationBody fits the base64 of a 5MB snippet plus the JSON envelope.
const maxDictationBody = 8 << 20

// asyncStartWait is how long an async run waits for its first event
// subscriber before starting anyway.
const asyncStartWait = 2 * time.Second

// app holds every long-lived component of the service.
type app struct {
	cfg config.Config
	log *logger.Logger
	// ctx outlives single requests; background runs use it.
	ctx context.Context

	store    *store.Memory
	bus      *events.Bus
	tracker  *tracker.Tracker
	debug    *debuglog.Logger
	monitor  *monitor.Monitor
	engine   *transcription.Engine
	uploads  *upload.Handler
	sessions *live.Manager
	live     *live.Processor
	dictate  *dictation.Service
	orch     *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg config.Config, log *logger.Logger) *app {
	mem := store.NewMemory()
	bus := events.NewBus(cfg.Events.BufferSize, log)
	tr := tracker.New(tracker.Options{Capacity: cfg.Tracker.Capacity, TTL: cfg.Tracker.TTL})
	dl := debuglog.New(log, cfg.Tracker.Capacity, cfg.Tracker.TTL)
	mon := monitor.New(log, monitor.Options{})
	transformer := audio.NewTransformer(cfg.Audio.FFmpegPath, cfg.Audio.FFprobePath, cfg.ProcessedDir(), log)

	var backend transcription.Backend = &transcription.MockBackend{}
	if !cfg.Transcription.UseMock && cfg.Transcription.RemoteURL != "" {
		backend = transcription.NewRemoteBackend(cfg.Transcription.RemoteURL, log)
	}
	engine := transcription.NewEngine(backend, transcription.EngineOptions{
		Enabled:        cfg.Transcription.Enabled,
		ForceLanguage:  cfg.Transcription.ForceLanguage,
		ModelName:      cfg.Transcription.ModelName,
		LoadTimeout:    cfg.Transcription.ModelLoadTimeout,
		TranscriptsDir: cfg.TranscriptsDir(),
		Bus:            bus,
		Segments:       transformer,
	}, log)

	uploads := upload.NewHandler(cfg.DataDir, cfg.Upload.AllowedExtensions, cfg.Upload.MaxFileSize, mem, log)
	sessions := live.NewManager(cfg.LiveSessionsDir(), log)

	retrier := retry.New(cfg.Retry.Unit, log)
	orch := pipeline.New(pipeline.Deps{
		Uploader:    uploads,
		Transformer: transformer,
		Transcriber: engine,
		Persistence: mem,
		Tracker:     tr,
		Debug:       dl,
		Bus:         bus,
		Retry:       retrier,
		Monitor:     mon,
	}, pipeline.Options{
		MaxRetries:       cfg.Retry.MaxRetries,
		ModelLoadTimeout: cfg.Transcription.ModelLoadTimeout,
		Format:           cfg.Audio.Format,
		SampleRate:       cfg.Audio.SampleRate,
		Channels:         cfg.Audio.Channels,
		Language:         cfg.Transcription.ForceLanguage,
	}, log)

	chunks := &live.Processor{
		Sessions:   sessions,
		Engine:     engine,
		Bus:        bus,
		Language:   cfg.Transcription.ForceLanguage,
		Retry:      retrier,
		MaxRetries: cfg.Retry.MaxRetries,
	}

	dictate := dictation.NewService(transformer, engine, dictation.Options{Dir: cfg.DictationDir()}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		store:    mem,
		bus:      bus,
		tracker:  tr,
		debug:    dl,
		monitor:  mon,
		engine:   engine,
		uploads:  uploads,
		sessions: sessions,
		live:     chunks,
		dictate:  dictate,
		orch:     orch,
	}
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		a.log.WithRequest(r).Debug("health check")
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("GET /api/v1/model", a.handleModel)

	mux.HandleFunc("POST /api/v1/pipeline/process", a.handleProcess)
	mux.HandleFunc("GET /api/v1/pipeline/{id}/status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/pipeline/{id}/debug", a.handleDebug)
	mux.HandleFunc("GET /api/v1/pipeline/{id}/events", a.handleEvents)

	mux.HandleFunc("POST /api/v1/transcribe/stream", a.handleTranscribeStream)
	mux.HandleFunc("GET /api/v1/transcribe/{id}/events", a.handleEvents)

	mux.HandleFunc("POST /api/v1/live/start", a.handleLiveStart)
	mux.HandleFunc("POST /api/v1/live/{id}/chunk", a.handleLiveChunk)
	mux.HandleFunc("GET /api/v1/live/{id}/events", a.handleEvents)
	mux.HandleFunc("POST /api/v1/live/{id}/stop", a.handleLiveStop)
	mux.HandleFunc("DELETE /api/v1/live/{id}", a.handleLiveClose)

	mux.HandleFunc("POST /api/v1/dictation/transcribe", a.handleDictation)

	mux.HandleFunc("GET /api/v1/calls", a.handleCalls)
	mux.HandleFunc("GET /api/v1/calls/{id}", a.handleCall)

	mux.HandleFunc("POST /api/v1/batch", a.handleBatch)
	mux.HandleFunc("GET /api/v1/insights", a.handleInsights)
	mux.HandleFunc("GET /api/v1/report", a.handleReport)
	mux.HandleFunc("GET /api/v1/monitor", a.handleMonitor)
	return mux
}

func (a *app) handleModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Status())
}

// readUpload pulls the multipart "file" field into memory so the run can
// outlive the request.
func (a *app) readUpload(w http.ResponseWriter, r *http.Request) (types.AudioFile, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Upload.MaxFileSize+(1<<20))
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return types.AudioFile{}, &types.ValidationError{Errors: []string{"No file provided"}}
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return types.AudioFile{}, fmt.Errorf("read upload: %w", err)
	}
	return types.AudioFile{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        int64(buf.Len()),
		Body:        bytes.NewReader(buf.Bytes()),
		Language:    strings.TrimSpace(r.FormValue("language")),
	}, nil
}

func (a *app) handleProcess(w http.ResponseWriter, r *http.Request) {
	reqLog := a.log.WithRequest(r).WithField("handler", "process")
	file, err := a.readUpload(w, r)
	if err != nil {
		reqLog.WithError(err).Warn("bad upload")
		writeError(w, err)
		return
	}

	callID := uuid.NewString()
	reqLog = reqLog.WithField("call_id", callID).WithField("filename", file.Filename)

	// Async runs hold off until the first event subscriber joins (or
	// asyncStartWait passes) since the bus keeps no history.
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		go func() {
			if !a.bus.WaitSubscriber(a.ctx, callID, asyncStartWait) {
				reqLog.Debug("no event subscriber joined, starting anyway")
			}
			if _, err := a.orch.ProcessWithID(a.ctx, callID, file); err != nil {
				reqLog.WithError(err).Warn("background pipeline failed")
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{
			"call_id":            callID,
			"status":             "/api/v1/pipeline/" + callID + "/status",
			"events":             "/api/v1/pipeline/" + callID + "/events",
			"start_wait_seconds": asyncStartWait.Seconds(),
		})
		return
	}

	start := time.Now()
	res, err := a.orch.ProcessWithID(r.Context(), callID, file)
	reqLog = reqLog.WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		reqLog.WithError(err).Warn("pipeline failed")
		writeJSON(w, statusFor(err), map[string]any{
			"call_id":             res.CallID,
			"pipeline_status":     res.PipelineStatus,
			"error":               err.Error(),
			"error_kind":          types.Kind(err),
			"processing_timeline": res.Timeline,
		})
		return
	}
	reqLog.Info("pipeline finished")
	writeJSON(w, http.StatusOK, res)
}

func (a *app) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.orch.Status(r.PathValue("id"))
	if !st.Found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Call ID %s not found in pipeline tracker", st.CallID)})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *app) handleDebug(w http.ResponseWriter, r *http.Request) {
	info := a.orch.Debug(r.PathValue("id"))
	if !info.Status.Found && len(info.Records) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown call id"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleEvents streams the bus key named by {id} as server-sent events.
func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	reqLog := a.log.WithRequest(r).WithField("key", key)
	flusher, _ := w.(http.Flusher)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := a.bus.Subscribe(r.Context(), key)
	reqLog.Debug("event stream opened")
	if err := events.Stream(r.Context(), w, flusher, sub, sseKeepAlive); err != nil && !errors.Is(err, context.Canceled) {
		reqLog.WithError(err).Warn("event stream ended")
		return
	}
	reqLog.Debug("event stream closed")
}

// handleTranscribeStream stores the upload and transcribes it in overlapping
// windows in the background. Progress goes to /api/v1/transcribe/{id}/events.
func (a *app) handleTranscribeStream(w http.ResponseWriter, r *http.Request) {
	reqLog := a.log.WithRequest(r).WithField("handler", "transcribe_stream")
	file, err := a.readUpload(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if v := a.uploads.Validate(file); !v.IsValid {
		writeError(w, &types.ValidationError{Errors: v.Errors})
		return
	}
	id := uuid.NewString()
	path, err := a.uploads.Save(r.Context(), file, id)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := transcription.ChunkOptions{Language: file.Language, Task: "transcribe"}
	if v, err := strconv.ParseFloat(r.FormValue("chunk_seconds"), 64); err == nil {
		opts.ChunkSeconds = v
	}
	if v, err := strconv.ParseFloat(r.FormValue("stride_seconds"), 64); err == nil {
		// An explicit zero means no overlap.
		if v <= 0 {
			v = -1
		}
		opts.StrideSeconds = v
	}

	go func() {
		summary, err := a.engine.TranscribeInChunks(a.ctx, id, path, opts)
		payload := map[string]any{
			"stream_id":   id,
			"success":     summary.Success,
			"text":        summary.Text,
			"language":    summary.Language,
			"chunk_count": summary.ChunkCount,
		}
		if err != nil {
			payload["error"] = err.Error()
			reqLog.WithError(err).WithField("stream_id", id).Warn("chunked transcription failed")
		}
		a.bus.Complete(id, payload)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"stream_id": id,
		"events":    "/api/v1/transcribe/" + id + "/events",
	})
}

func (a *app) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Start()
	if err != nil {
		a.log.WithRequest(r).WithError(err).Error("failed to start live session")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *app) handleLiveChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, &types.ValidationError{Errors: []string{"chunk too large or unreadable"}})
		return
	}
	ext := r.URL.Query().Get("ext")
	if ext == "" {
		ext = extFromContentType(r.Header.Get("Content-Type"))
	}
	idx, text, err := a.live.ProcessChunk(r.Context(), id, raw, ext)
	if err != nil {
		a.log.WithRequest(r).WithError(err).WithField("session_id", id).Warn("chunk failed")
		writeJSON(w, statusFor(err), map[string]any{
			"session_id":  id,
			"chunk_index": idx,
			"error":       err.Error(),
			"error_kind":  types.Kind(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "chunk_index": idx, "text": text})
}

func (a *app) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	text, err := a.live.Finish(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "final_text": text})
}

func (a *app) handleLiveClose(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.Close(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleDictation(w http.ResponseWriter, r *http.Request) {
	reqLog := a.log.WithRequest(r).WithField("handler", "dictation")
	var snippet dictation.Snippet
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDictationBody)).Decode(&snippet); err != nil {
		writeError(w, &types.ValidationError{Errors: []string{"invalid JSON body"}})
		return
	}
	res, err := a.dictate.Transcribe(r.Context(), snippet)
	if err != nil {
		reqLog.WithError(err).Warn("dictation failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *app) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := a.store.Calls()
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "total": len(calls)})
}

func (a *app) handleCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	call, err := a.store.Call(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Call not found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	out := map[string]any{"call": call, "history": a.store.History(id)}
	if tr, ok := a.store.Transcript(id); ok {
		out["transcript"] = tr
	}
	if an, ok := a.store.Analysis(id); ok {
		out["analysis"] = an
	}
	writeJSON(w, http.StatusOK, out)
}

type batchRequest struct {
	ManifestPath string `json:"manifest_path"`
	Concurrency  int    `json:"concurrency"`
}

func (a *app) handleBatch(w http.ResponseWriter, r *http.Request) {
	reqLog := a.log.WithRequest(r).WithField("handler", "batch")
	var req batchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, &types.ValidationError{Errors: []string{"invalid JSON body"}})
			return
		}
	}
	if req.ManifestPath == "" {
		req.ManifestPath = a.cfg.ManifestPath
	}
	if req.ManifestPath == "" {
		writeError(w, &types.ValidationError{Errors: []string{"manifest_path is required"}})
		return
	}

	m, err := dataset.Load(req.ManifestPath, a.log)
	if err != nil {
		reqLog.WithError(err).Warn("manifest load failed")
		writeError(w, &types.ValidationError{Errors: []string{err.Error()}})
		return
	}
	items := a.orch.ProcessBatch(r.Context(), m.AudioFiles(), req.Concurrency)

	var analyses []types.Analysis
	for _, it := range items {
		if it.Result != nil {
			analyses = append(analyses, it.Result.Analysis)
		}
	}
	ins := analysis.Aggregate(analyses)
	reqLog.WithField("files", len(items)).WithField("skipped", len(m.Skipped)).Info("batch processed")
	writeJSON(w, http.StatusOK, map[string]any{
		"manifest": filepath.Base(req.ManifestPath),
		"items":    items,
		"skipped":  m.Skipped,
		"insight":  ins,
		"action":   analysis.Recommend(ins),
	})
}

func (a *app) insight() analysis.Insight {
	var analyses []types.Analysis
	for _, c := range a.store.Calls() {
		if an, ok := a.store.Analysis(c.CallID); ok {
			analyses = append(analyses, an)
		}
	}
	return analysis.Aggregate(analyses)
}

func (a *app) handleInsights(w http.ResponseWriter, r *http.Request) {
	ins := a.insight()
	writeJSON(w, http.StatusOK, map[string]any{"insight": ins, "action": analysis.Recommend(ins)})
}

func (a *app) handleReport(w http.ResponseWriter, r *http.Request) {
	var runs []tracker.Status
	for _, id := range a.tracker.Keys() {
		if st := a.tracker.Status(id); st.Found {
			runs = append(runs, st)
		}
	}
	ins := a.insight()
	card := analysis.Recommend(ins)

	var buf bytes.Buffer
	if err := report.Write(&buf, report.Input{Runs: runs, Debug: a.debug.All(), Insight: &ins, Action: &card}); err != nil {
		a.log.WithRequest(r).WithError(err).Error("report failed")
		writeError(w, err)
		return
	}
	name := fmt.Sprintf("signalhub_report_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (a *app) handleMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"performance": a.monitor.Summary(),
		"active":      a.monitor.Active(),
		"history":     a.monitor.History(historyLimit),
		"model":       a.engine.Status(),
	})
}

func extFromContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	switch ct {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	}
	return ""
}

func statusFor(err error) int {
	var vErr *types.ValidationError
	var mErr *types.ModelUnavailableError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &mErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error(), "error_kind": types.Kind(err)}
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		body["errors"] = vErr.Errors
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
