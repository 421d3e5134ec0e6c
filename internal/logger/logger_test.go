package logger

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestJSONOutsideLocal(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "debug").Component("tracker")
	log.WithField("call_id", "c1").Debug("step started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if line["component"] != "tracker" || line["call_id"] != "c1" || line["msg"] != "step started" {
		t.Fatalf("line = %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Setenv("ENVIRONMENT", "local")
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"DEBUG":    logrus.DebugLevel,
		" warning": logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"":         logrus.InfoLevel,
		"verbose":  logrus.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithRequestKeepsRequestID(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "info")
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	log.WithRequest(req).Info("hit")
	if !strings.Contains(buf.String(), `"req_id":"req-42"`) {
		t.Fatalf("output = %q", buf.String())
	}
	buf.Reset()
	log.WithRequest(httptest.NewRequest("GET", "/healthz", nil)).Info("hit")
	if strings.Contains(buf.String(), `"req_id":""`) {
		t.Fatalf("missing generated id: %q", buf.String())
	}
}
