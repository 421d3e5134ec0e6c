package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"signalhub-go/internal/config"
	"signalhub-go/internal/logger"
	"signalhub-go/internal/report"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Transcription.Enabled = true
	cfg.Transcription.UseMock = true
	cfg.Retry.MaxRetries = 0
	cfg.Retry.Unit = time.Millisecond
	cfg.Audio.FFmpegPath = filepath.Join(cfg.DataDir, "no-ffmpeg")
	cfg.Audio.FFprobePath = filepath.Join(cfg.DataDir, "no-ffprobe")
	return newApp(context.Background(), cfg, logger.Discard())
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := do(t, testApp(t).routes(), http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestProcessAndStatus(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	h := a.routes()

	body, ct := multipartBody(t, "call.wav", bytes.Repeat([]byte{1}, 2048))
	rec := do(t, h, http.MethodPost, "/api/v1/pipeline/process", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("process = %d %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["pipeline_status"] != "completed" {
		t.Fatalf("result = %v", out)
	}
	callID, _ := out["call_id"].(string)

	rec = do(t, h, http.MethodGet, "/api/v1/pipeline/"+callID+"/status", nil, "")
	if rec.Code != http.StatusOK || decode(t, rec)["overall_status"] != "completed" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/api/v1/pipeline/"+callID+"/debug", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("debug = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/pipeline/nope/status", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/monitor", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("monitor = %d", rec.Code)
	}
}

func TestProcessRejectsBadExtension(t *testing.T) {
	t.Parallel()
	body, ct := multipartBody(t, "notes.txt", []byte("hello"))
	rec := do(t, testApp(t).routes(), http.MethodPost, "/api/v1/pipeline/process", body, ct)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	if decode(t, rec)["error_kind"] != "ValidationError" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestProcessWithoutFile(t *testing.T) {
	t.Parallel()
	rec := do(t, testApp(t).routes(), http.MethodPost, "/api/v1/pipeline/process", strings.NewReader(""), "multipart/form-data; boundary=x")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestLiveSessionFlow(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/live/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var sess struct {
		ID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("start = %d %v", resp.StatusCode, err)
	}
	resp.Body.Close()

	streamed := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/api/v1/live/" + sess.ID + "/events")
		if err != nil {
			streamed <- ""
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		streamed <- string(b)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for a.bus.Subscribers(sess.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err = http.Post(srv.URL+"/api/v1/live/"+sess.ID+"/chunk?ext=.wav", "application/octet-stream", bytes.NewReader([]byte("chunk-0")))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/v1/live/"+sess.ID+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var stopped map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&stopped); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !strings.HasPrefix(stopped["final_text"], "MOCK TRANSCRIPT") {
		t.Fatalf("stop = %v", stopped)
	}

	select {
	case body := <-streamed:
		for _, want := range []string{"event: ping", "event: partial", "event: complete"} {
			if !strings.Contains(body, want) {
				t.Fatalf("stream missing %q:\n%s", want, body)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not end after stop")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/live/"+sess.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close = %d", resp.StatusCode)
	}
}

func TestLiveChunkUnknownSession(t *testing.T) {
	t.Parallel()
	rec := do(t, testApp(t).routes(), http.MethodPost, "/api/v1/live/missing/chunk", strings.NewReader("x"), "audio/wav")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestBatchAndReport(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	h := a.routes()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.wav"), bytes.Repeat([]byte{2}, 512), 0o644); err != nil {
		t.Fatal(err)
	}
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"call id", "audio path"})
	_ = f.SetSheetRow(sheet, "A2", &[]any{"r1", "one.wav"})
	_ = f.SetSheetRow(sheet, "A3", &[]any{"r2", "missing.wav"})
	manifest := filepath.Join(dir, "manifest.xlsx")
	if err := f.SaveAs(manifest); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reqBody, _ := json.Marshal(map[string]any{"manifest_path": manifest, "concurrency": 2})
	rec := do(t, h, http.MethodPost, "/api/v1/batch", bytes.NewReader(reqBody), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("batch = %d %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	items, _ := out["items"].([]any)
	skipped, _ := out["skipped"].([]any)
	if len(items) != 1 || len(skipped) != 1 {
		t.Fatalf("batch = %v", out)
	}
	if item := items[0].(map[string]any); item["status"] != "completed" {
		t.Fatalf("item = %v", item)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/report", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("report = %d", rec.Code)
	}
	wb, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer wb.Close()
	rows, err := wb.GetRows(report.SheetRuns)
	if err != nil || len(rows) != 2 {
		t.Fatalf("runs rows = %v (%v)", rows, err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/insights", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("insights = %d", rec.Code)
	}
}

func TestBatchRequiresManifest(t *testing.T) {
	t.Parallel()
	rec := do(t, testApp(t).routes(), http.MethodPost, "/api/v1/batch", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestExtFromContentType(t *testing.T) {
	t.Parallel()
	if got := extFromContentType("audio/webm;codecs=opus"); got != ".webm" {
		t.Fatalf("ext = %q", got)
	}
	if got := extFromContentType("application/octet-stream"); got != "" {
		t.Fatalf("ext = %q", got)
	}
}

func TestDictationValidation(t *testing.T) {
	t.Parallel()
	h := testApp(t).routes()
	audio := base64.StdEncoding.EncodeToString([]byte("RIFF snippet"))

	cases := []struct {
		body string
		code int
	}{
		{`{"audio_base64":"` + audio + `","media_type":"video/mp4"}`, http.StatusBadRequest},
		{`{"audio_base64":"not base64!"}`, http.StatusBadRequest},
		{`{"audio_base64":""}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		// No ffmpeg in the test app, so normalization fails.
		{`{"audio_base64":"` + audio + `","media_type":"audio/wav"}`, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodPost, "/api/v1/dictation/transcribe", strings.NewReader(tc.body), "application/json")
		if rec.Code != tc.code {
			t.Errorf("%s: code = %d (%s), want %d", tc.body, rec.Code, rec.Body.String(), tc.code)
		}
	}
}

func TestCallsListAndDetail(t *testing.T) {
	t.Parallel()
	h := testApp(t).routes()

	rec := do(t, h, http.MethodGet, "/api/v1/calls", nil, "")
	if rec.Code != http.StatusOK || decode(t, rec)["total"] != float64(0) {
		t.Fatalf("empty list = %d %s", rec.Code, rec.Body.String())
	}

	body, ct := multipartBody(t, "call.wav", bytes.Repeat([]byte{3}, 256))
	rec = do(t, h, http.MethodPost, "/api/v1/pipeline/process", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("process = %d", rec.Code)
	}
	callID := decode(t, rec)["call_id"].(string)

	rec = do(t, h, http.MethodGet, "/api/v1/calls", nil, "")
	list := decode(t, rec)
	calls, _ := list["calls"].([]any)
	if list["total"] != float64(1) || len(calls) != 1 || calls[0].(map[string]any)["call_id"] != callID {
		t.Fatalf("list = %v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/calls/"+callID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail = %d", rec.Code)
	}
	detail := decode(t, rec)
	if detail["call"].(map[string]any)["status"] != "completed" || detail["transcript"] == nil || detail["analysis"] == nil {
		t.Fatalf("detail = %v", detail)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/calls/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
}

func TestAsyncProcessStreamsFromTheStart(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(testApp(t).routes())
	defer srv.Close()

	body, ct := multipartBody(t, "call.wav", bytes.Repeat([]byte{4}, 256))
	resp, err := http.Post(srv.URL+"/api/v1/pipeline/process?async=true", ct, body)
	if err != nil {
		t.Fatal(err)
	}
	var accepted map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil || resp.StatusCode != http.StatusAccepted {
		t.Fatalf("async = %d %v", resp.StatusCode, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + accepted["events"].(string))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	stream := strings.Join(lines, "\n")
	if !strings.Contains(stream, `"step":"upload"`) || !strings.Contains(stream, "event: complete") {
		t.Fatalf("stream missed early events:\n%s", stream)
	}
}
