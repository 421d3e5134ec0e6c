package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"signalhub-go/internal/logger"
)

func TestWriteSSEFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ev := Event{Seq: 7, Type: EventPartial, Key: "c1", Payload: map[string]any{"text": "hello"}, Timestamp: time.Unix(0, 0).UTC()}

	if err := WriteSSE(&buf, ev); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "event: partial\ndata: ") || !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("bad frame %q", out)
	}
	line := strings.TrimSuffix(strings.TrimPrefix(out, "event: partial\ndata: "), "\n\n")
	var decoded Event
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("data is not json: %v", err)
	}
	if decoded.Payload["text"] != "hello" || decoded.Key != "c1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

type countingFlusher struct{ n int }

func (f *countingFlusher) Flush() { f.n++ }

func TestStreamStartsWithPing(t *testing.T) {
	t.Parallel()
	bus := NewBus(8, logger.Discard())
	sub := bus.Subscribe(context.Background(), "c1")

	bus.Publish("c1", Event{Type: EventPartial, Payload: map[string]any{"text": "a"}})
	bus.Complete("c1", nil)

	var buf bytes.Buffer
	fl := &countingFlusher{}
	if err := Stream(context.Background(), &buf, fl, sub, 0); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	frames := strings.Split(strings.TrimSuffix(buf.String(), "\n\n"), "\n\n")
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3: %q", len(frames), buf.String())
	}
	wantTypes := []string{"ping", "partial", "complete"}
	for i, frame := range frames {
		if !strings.HasPrefix(frame, "event: "+wantTypes[i]+"\n") {
			t.Fatalf("frame %d = %q, want %s", i, frame, wantTypes[i])
		}
	}
	if fl.n != 3 {
		t.Fatalf("flushes = %d, want 3", fl.n)
	}
	if bus.Subscribers("c1") != 0 {
		t.Fatal("stream must release its subscription")
	}
}
