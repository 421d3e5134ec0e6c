package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/store"
	"signalhub-go/internal/types"
)

var allowed = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac"}

func newTestHandler(t *testing.T, maxSize int64) (*Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(t.TempDir(), allowed, maxSize, mem, logger.Discard())
	h.now = func() time.Time { return time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC) }
	return h, mem
}

func TestValidateAcceptsGoodFile(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 1024)
	res := h.Validate(types.AudioFile{Filename: "Call.WAV", Size: 100})
	if !res.IsValid || res.FileInfo.Extension != ".wav" {
		t.Fatalf("result = %+v", res)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 10)

	res := h.Validate(types.AudioFile{Filename: "../evil.exe", Size: 11})
	if res.IsValid || len(res.Errors) != 3 {
		t.Fatalf("errors = %q", res.Errors)
	}
	if !strings.Contains(res.Errors[2], "Suspicious characters in filename: ..") {
		t.Fatalf("errors = %q", res.Errors)
	}

	if res := h.Validate(types.AudioFile{}); res.IsValid || res.Errors[0] != "No file provided" {
		t.Fatalf("empty result = %+v", res)
	}
}

func TestSaveDatedLayout(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 1024)

	path, err := h.Save(context.Background(), types.AudioFile{Filename: "a.MP3", Body: strings.NewReader("ID3")}, "call-1")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := filepath.Join(h.dir, "2025", "11", "05", "call-1.mp3")
	if path != want {
		t.Fatalf("path = %s, want %s", path, want)
	}
	if data, _ := os.ReadFile(path); string(data) != "ID3" {
		t.Fatalf("contents = %q", data)
	}
}

func TestSaveRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)

	_, err := h.Save(context.Background(), types.AudioFile{Filename: "a.wav", Body: strings.NewReader("too long")}, "call-1")
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	matches, _ := filepath.Glob(filepath.Join(h.dir, "*", "*", "*", "*"))
	if len(matches) != 0 {
		t.Fatalf("partial file left behind: %v", matches)
	}
}

// trackedBody records whether Save closed it.
type trackedBody struct {
	*strings.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestSaveClosesBodyOnEarlyStop(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, 4)

	oversized := &trackedBody{Reader: strings.NewReader("too long")}
	if _, err := h.Save(context.Background(), types.AudioFile{Filename: "a.wav", Body: oversized}, "call-1"); err == nil {
		t.Fatal("expected size error")
	}
	if !oversized.closed {
		t.Fatal("body not closed after size limit")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := &trackedBody{Reader: strings.NewReader("ok")}
	if _, err := h.Save(ctx, types.AudioFile{Filename: "a.wav", Body: cancelled}, "call-2"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !cancelled.closed {
		t.Fatal("body not closed after cancellation")
	}
}

func TestCreateRecord(t *testing.T) {
	t.Parallel()
	h, mem := newTestHandler(t, 1024)

	call, err := h.CreateRecord(context.Background(), "call-1", "/x/call-1.wav", "a.wav", 42)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	stored, _ := mem.Call(context.Background(), "call-1")
	if stored.FileSizeBytes != 42 || stored.OriginalFilename != "a.wav" || call.CallID != "call-1" {
		t.Fatalf("stored = %+v", stored)
	}
}
