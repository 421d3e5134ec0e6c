// Package debuglog records an audit trail of pipeline lifecycle events.
package debuglog

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

const PipelineVersion = "1.3"

type EventType string

const (
	EventPipelineStarted   EventType = "pipeline_started"
	EventStep              EventType = "pipeline_step"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventError             EventType = "pipeline_error"
)

type Record struct {
	Event     EventType      `json:"event"`
	CallID    string         `json:"call_id"`
	Step      types.Step     `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Version   string         `json:"pipeline_version"`
	Timestamp time.Time      `json:"timestamp"`
}

// Logger writes each record to logrus and keeps it in memory per call.
type Logger struct {
	log     *logger.Logger
	now     func() time.Time
	mu      sync.Mutex
	records *expirable.LRU[string, []Record]
}

func New(log *logger.Logger, capacity int, ttl time.Duration) *Logger {
	return &Logger{
		log:     log.Component("debuglog"),
		now:     time.Now,
		records: expirable.NewLRU[string, []Record](capacity, nil, ttl),
	}
}

func (l *Logger) PipelineStarted(callID string, file map[string]any) {
	l.append(Record{Event: EventPipelineStarted, CallID: callID, Data: file})
}

func (l *Logger) Step(callID string, step types.Step, status types.StepStatus, data map[string]any) {
	l.append(Record{Event: EventStep, CallID: callID, Step: step, Status: string(status), Data: data})
}

func (l *Logger) PipelineCompleted(callID string, summary map[string]any) {
	l.append(Record{Event: EventPipelineCompleted, CallID: callID, Status: string(types.CallCompleted), Data: summary})
}

func (l *Logger) Error(callID string, step types.Step, err error) {
	rec := Record{Event: EventError, CallID: callID, Step: step, Status: string(types.CallFailed)}
	if err != nil {
		rec.ErrorKind = types.Kind(err)
		rec.Error = err.Error()
	}
	l.append(rec)
}

// Records returns a copy of the trail for callID in arrival order.
func (l *Logger) Records(callID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, _ := l.records.Peek(callID)
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// All returns every retained trail keyed by call id.
func (l *Logger) All() map[string][]Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]Record, l.records.Len())
	for _, id := range l.records.Keys() {
		if recs, ok := l.records.Peek(id); ok {
			out[id] = append([]Record(nil), recs...)
		}
	}
	return out
}

func (l *Logger) Forget(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records.Remove(callID)
}

func (l *Logger) append(rec Record) {
	rec.Version = PipelineVersion
	rec.Timestamp = l.now()

	l.mu.Lock()
	recs, _ := l.records.Get(rec.CallID)
	l.records.Add(rec.CallID, append(recs, rec))
	l.mu.Unlock()

	fields := logrus.Fields{
		"event":            rec.Event,
		"call_id":          rec.CallID,
		"pipeline_version": rec.Version,
	}
	if rec.Step != "" {
		fields["step"] = rec.Step
	}
	if rec.Status != "" {
		fields["status"] = rec.Status
	}
	for k, v := range rec.Data {
		fields["data."+k] = v
	}
	entry := l.log.WithFields(fields)
	if rec.Event == EventError {
		entry.WithField("error_kind", rec.ErrorKind).Error(rec.Error)
		return
	}
	entry.Debug(string(rec.Event))
}
