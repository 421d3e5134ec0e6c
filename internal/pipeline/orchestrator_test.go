package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signalhub-go/internal/events"
	"signalhub-go/internal/logger"
	"signalhub-go/internal/monitor"
	"signalhub-go/internal/retry"
	"signalhub-go/internal/store"
	"signalhub-go/internal/tracker"
	"signalhub-go/internal/transcription"
	"signalhub-go/internal/types"
	"signalhub-go/internal/upload"
)

// fakeTransformer converts in place and can fail the first N conversions.
type fakeTransformer struct {
	failConvert int32
	converts    atomic.Int32
	analyzeErr  string
}

func (f *fakeTransformer) Convert(_ context.Context, path, _ string, _, _ int) types.ConversionResult {
	if n := f.converts.Add(1); n <= f.failConvert {
		return types.ConversionResult{Error: fmt.Sprintf("ffmpeg crashed (attempt %d)", n)}
	}
	return types.ConversionResult{Success: true, OutputPath: path}
}

func (f *fakeTransformer) Analyze(context.Context, string) types.AnalysisResult {
	if f.analyzeErr != "" {
		return types.AnalysisResult{Error: f.analyzeErr}
	}
	return types.AnalysisResult{Success: true, DurationSeconds: 3, SampleRate: 16000, Channels: 1, Format: "wav"}
}

func (f *fakeTransformer) ExtractSegment(_ context.Context, path string, start, duration float64, _ string) types.SegmentResult {
	return types.SegmentResult{Success: true, OutputPath: path, Start: start, Duration: duration}
}

// flakyStore fails StoreTranscript a fixed number of times.
type flakyStore struct {
	*store.Memory
	failures atomic.Int32
}

func (s *flakyStore) StoreTranscript(ctx context.Context, callID string, result types.TranscriptionResult) error {
	if s.failures.Add(-1) >= 0 {
		return &types.TransientError{Op: "store_transcript", Err: errors.New("connection reset")}
	}
	return s.Memory.StoreTranscript(ctx, callID, result)
}

type failingBackend struct{ transcription.MockBackend }

func (failingBackend) Transcribe(context.Context, string, transcription.Options) (transcription.Output, error) {
	return transcription.Output{}, errors.New("decoder exploded")
}

type harness struct {
	orch  *Orchestrator
	store *store.Memory
	mon   *monitor.Monitor
	bus   *events.Bus
}

type harnessOptions struct {
	disabled    bool
	backend     transcription.Backend
	transformer *fakeTransformer
	persistence Persistence
	unit        time.Duration
	newID       func() string
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	dir := t.TempDir()
	log := logger.Discard()
	mem := store.NewMemory()
	if ho.backend == nil {
		ho.backend = &transcription.MockBackend{}
	}
	if ho.transformer == nil {
		ho.transformer = &fakeTransformer{}
	}
	if ho.persistence == nil {
		ho.persistence = mem
	}
	if ho.unit == 0 {
		ho.unit = time.Millisecond
	}
	calls, ok := ho.persistence.(upload.CallCreator)
	if !ok {
		calls = mem
	}
	bus := events.NewBus(256, log)
	engine := transcription.NewEngine(ho.backend, transcription.EngineOptions{
		Enabled:        !ho.disabled,
		LoadTimeout:    time.Second,
		TranscriptsDir: dir + "/transcripts",
		Bus:            bus,
	}, log)
	mon := monitor.New(log, monitor.Options{})
	orch := New(Deps{
		Uploader:    upload.NewHandler(dir+"/uploads", []string{".wav", ".mp3"}, 1<<20, calls, log),
		Transformer: ho.transformer,
		Transcriber: engine,
		Persistence: ho.persistence,
		Tracker:     tracker.New(tracker.Options{Capacity: 100, TTL: time.Hour}),
		Bus:         bus,
		Retry:       retry.New(ho.unit, log),
		Monitor:     mon,
	}, Options{MaxRetries: 3, ModelLoadTimeout: time.Second, NewID: ho.newID}, log)
	return &harness{orch: orch, store: mem, mon: mon, bus: bus}
}

func wavFile(name string) types.AudioFile {
	body := bytes.Repeat([]byte{0}, 3*16000*2) // three seconds of 16 kHz mono silence
	return types.AudioFile{Filename: name, ContentType: "audio/wav", Size: int64(len(body)), Body: bytes.NewReader(body)}
}

func TestProcessCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.PipelineStatus != string(types.CallCompleted) {
		t.Fatalf("pipeline status = %q", res.PipelineStatus)
	}
	st := h.orch.Status(res.CallID)
	if st.Overall != tracker.OverallCompleted {
		t.Fatalf("overall = %q", st.Overall)
	}
	for _, step := range types.Steps {
		if got := st.Step(step).Status; got != types.StepCompleted {
			t.Fatalf("step %s = %s", step, got)
		}
	}
	if st.TotalDurationSeconds <= 0 {
		t.Fatalf("total duration = %v", st.TotalDurationSeconds)
	}
	if res.Summary.Transcription.TextLength == 0 || res.Summary.Transcription.Language != "en" {
		t.Fatalf("transcription summary = %+v", res.Summary.Transcription)
	}

	call, err := h.store.Call(context.Background(), res.CallID)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if call.Status != types.CallCompleted || call.DurationSeconds != 3 {
		t.Fatalf("call = %+v", call)
	}
	var seen []types.CallStatus
	for _, ch := range h.store.History(res.CallID) {
		seen = append(seen, ch.Status)
	}
	want := []types.CallStatus{
		types.CallUploading, types.CallUploaded, types.CallProcessing,
		types.CallTranscribing, types.CallStoring, types.CallCompleted,
	}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("status history = %v, want %v", seen, want)
	}
	if a, ok := h.store.Analysis(res.CallID); !ok || a.Intent == "" {
		t.Fatalf("analysis = %+v (stored %v)", a, ok)
	}

	dbg := h.orch.Debug(res.CallID)
	if len(dbg.Records) == 0 || dbg.Records[len(dbg.Records)-1].Event != "pipeline_completed" {
		t.Fatalf("debug records = %+v", dbg.Records)
	}
	if s := h.mon.Stats(monitor.OpTotal); s.Count != 1 || s.SuccessRate != 1 {
		t.Fatalf("monitor total = %+v", s)
	}
}

func TestProcessDisabledEngineStillStores(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{disabled: true})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	tr := res.Summary.Transcription
	if tr.Success || !strings.Contains(tr.Error, "transcription disabled") {
		t.Fatalf("transcription summary = %+v", tr)
	}
	step := h.orch.Status(res.CallID).Step(types.StepTranscription)
	if step.Status != types.StepCompleted || step.Result["success"] != false {
		t.Fatalf("transcription step = %+v", step)
	}
	if got := h.orch.Status(res.CallID).Step(types.StepDatabaseStorage).Status; got != types.StepCompleted {
		t.Fatalf("storage step = %s", got)
	}
	stored, ok := h.store.Transcript(res.CallID)
	if !ok || stored.Text != "" || stored.Success {
		t.Fatalf("stored transcript = %+v (ok %v)", stored, ok)
	}
}

func TestProcessRetriesTransientConversion(t *testing.T) {
	t.Parallel()
	unit := 5 * time.Millisecond
	ft := &fakeTransformer{failConvert: 2}
	h := newHarness(t, harnessOptions{transformer: ft, unit: unit})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Summary.AudioProcessing.ConversionCompleted {
		t.Fatal("conversion should succeed on the third attempt")
	}
	if got := ft.converts.Load(); got != 3 {
		t.Fatalf("convert attempts = %d, want 3", got)
	}
	step := h.orch.Status(res.CallID).Step(types.StepAudioProcessing)
	if step.Result["conversion_attempts"] != 3 {
		t.Fatalf("recorded attempts = %v", step.Result["conversion_attempts"])
	}
	// two waits: unit and 2*unit
	if step.DurationSeconds == nil || *step.DurationSeconds < (3*unit).Seconds() {
		t.Fatalf("audio_processing duration = %v", step.DurationSeconds)
	}
}

func TestProcessConversionExhaustedFallsBackToOriginal(t *testing.T) {
	t.Parallel()
	ft := &fakeTransformer{failConvert: 100, analyzeErr: "ffprobe missing"}
	h := newHarness(t, harnessOptions{transformer: ft})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	audio := res.Summary.AudioProcessing
	if audio.ConversionCompleted || audio.AnalysisCompleted {
		t.Fatalf("audio summary = %+v", audio)
	}
	if audio.ProcessedPath != res.Summary.Upload.FilePath {
		t.Fatalf("processed path = %q, want original %q", audio.ProcessedPath, res.Summary.Upload.FilePath)
	}
	if got := ft.converts.Load(); got != 4 {
		t.Fatalf("convert attempts = %d, want 4", got)
	}
}

func TestProcessValidationFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{newID: func() string { return "bad-call" }})
	sub := h.bus.Subscribe(context.Background(), "bad-call")

	res, err := h.orch.Process(context.Background(), wavFile("notes.txt"))
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	var sErr *types.StepError
	if !errors.As(err, &sErr) || sErr.Step != types.StepUpload {
		t.Fatalf("err = %v, want upload step error", err)
	}
	if res.CallID != "bad-call" || res.PipelineStatus != string(types.CallFailed) {
		t.Fatalf("result = %+v", res)
	}
	st := h.orch.Status("bad-call")
	if st.Overall != tracker.OverallFailed || st.Step(types.StepUpload).Error.Kind != "ValidationError" {
		t.Fatalf("status = %+v", st)
	}
	if st.Step(types.StepAudioProcessing).Status != types.StepPending {
		t.Fatal("later steps must stay pending")
	}

	var last events.Event
	for ev := range sub.Events() {
		last = ev
	}
	if last.Type != events.EventComplete || last.Payload["status"] != string(types.CallFailed) {
		t.Fatalf("last event = %+v", last)
	}
}

func TestProcessTranscriptionFailureMarksCallFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{backend: &failingBackend{}})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	var rErr *retry.RetryError
	if !errors.As(err, &rErr) || rErr.Attempts != 4 {
		t.Fatalf("err = %v, want exhausted retry", err)
	}
	call, cerr := h.store.Call(context.Background(), res.CallID)
	if cerr != nil {
		t.Fatalf("call: %v", cerr)
	}
	if call.Status != types.CallFailed || !strings.Contains(call.LastError, "decoder exploded") {
		t.Fatalf("call = %+v", call)
	}
	if s := h.mon.Stats(string(types.StepTranscription)); s.SuccessRate != 0 || s.Count != 1 {
		t.Fatalf("monitor stats = %+v", s)
	}
}

func TestProcessRetriesTransientStorage(t *testing.T) {
	t.Parallel()
	fs := &flakyStore{Memory: store.NewMemory()}
	fs.failures.Store(2)
	h := newHarness(t, harnessOptions{persistence: fs})

	res, err := h.orch.Process(context.Background(), wavFile("call.wav"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, ok := fs.Transcript(res.CallID); !ok {
		t.Fatal("transcript should be stored after retries")
	}
}

func TestProcessStreamsEventsInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{newID: func() string { return "call-1" }})
	sub := h.bus.Subscribe(context.Background(), "call-1")

	if _, err := h.orch.Process(context.Background(), wavFile("call.wav")); err != nil {
		t.Fatalf("process: %v", err)
	}

	var got []events.Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	if len(got) == 0 || got[len(got)-1].Type != events.EventComplete {
		t.Fatalf("events = %+v", got)
	}
	var partials, statuses int
	for i, ev := range got {
		if i > 0 && ev.Seq <= got[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
		switch ev.Type {
		case events.EventPartial:
			partials++
		case events.EventStatus:
			statuses++
		}
	}
	// the mock transcript has eleven words, cut into segments of five
	if partials != 3 {
		t.Fatalf("partials = %d, want 3", partials)
	}
	if statuses != 2*len(types.Steps) {
		t.Fatalf("status events = %d", statuses)
	}
}

func TestProcessConcurrentRunsAreIndependent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	names := []string{"a.wav", "b.txt"}
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Process(context.Background(), wavFile(names[i]))
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] == nil {
		t.Fatalf("errs = %v", errs)
	}
	if results[0].CallID == results[1].CallID {
		t.Fatal("call ids must differ")
	}
	if s := h.orch.Status(results[0].CallID); s.Overall != tracker.OverallCompleted {
		t.Fatalf("first run = %+v", s)
	}
	if s := h.orch.Status(results[1].CallID); s.Overall != tracker.OverallFailed {
		t.Fatalf("second run = %+v", s)
	}
}

func TestProcessBatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	files := []types.AudioFile{wavFile("one.wav"), wavFile("two.exe"), wavFile("three.mp3")}

	items := h.orch.ProcessBatch(context.Background(), files, 2)
	if len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}
	for i, want := range []string{"completed", "failed", "completed"} {
		if items[i].Status != want || items[i].Filename != files[i].Filename {
			t.Fatalf("item %d = %+v, want %s", i, items[i], want)
		}
	}
	if items[1].Error == "" || items[0].Result == nil {
		t.Fatalf("items = %+v", items)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Process(ctx, wavFile("call.wav"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
