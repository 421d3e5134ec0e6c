package debuglog

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

func TestRecordsInOrder(t *testing.T) {
	l := New(logger.Discard(), 10, 0)

	l.PipelineStarted("c1", map[string]any{"filename": "a.wav"})
	l.Step("c1", types.StepUpload, types.StepRunning, nil)
	l.Step("c1", types.StepUpload, types.StepCompleted, map[string]any{"path": "x"})
	l.PipelineCompleted("c1", nil)
	l.Step("c2", types.StepUpload, types.StepRunning, nil)

	recs := l.Records("c1")
	if len(recs) != 4 {
		t.Fatalf("records = %d, want 4", len(recs))
	}
	want := []EventType{EventPipelineStarted, EventStep, EventStep, EventPipelineCompleted}
	for i, rec := range recs {
		if rec.Event != want[i] {
			t.Fatalf("record %d = %s, want %s", i, rec.Event, want[i])
		}
		if rec.Version != PipelineVersion {
			t.Fatalf("version = %q", rec.Version)
		}
	}
	if got := len(l.Records("c2")); got != 1 {
		t.Fatalf("c2 records = %d", got)
	}
	if got := len(l.All()); got != 2 {
		t.Fatalf("all = %d calls", got)
	}
}

func TestErrorRecordWritesLog(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv("ENVIRONMENT", "production")
	l := New(logger.NewWithOutput(&buf, "debug"), 10, 0)

	l.Error("c1", types.StepTranscription, &types.StepError{Step: types.StepTranscription, Err: errors.New("backend down")})

	recs := l.Records("c1")
	if len(recs) != 1 || recs[0].ErrorKind != "Error" || !strings.Contains(recs[0].Error, "backend down") {
		t.Fatalf("unexpected record %+v", recs)
	}
	out := buf.String()
	if !strings.Contains(out, `"call_id":"c1"`) || !strings.Contains(out, `"level":"error"`) {
		t.Fatalf("log output missing fields: %s", out)
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	l := New(logger.Discard(), 10, 0)
	l.Step("c1", types.StepUpload, types.StepRunning, nil)

	recs := l.Records("c1")
	recs[0].CallID = "mutated"
	if l.Records("c1")[0].CallID != "c1" {
		t.Fatal("Records must not expose internal storage")
	}
	l.Forget("c1")
	if len(l.Records("c1")) != 0 {
		t.Fatal("forget should drop records")
	}
}
