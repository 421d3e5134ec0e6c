// Package monitor keeps rolling performance figures for pipeline steps and
// raises slow-operation alerts.
package monitor

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

const (
	DefaultHistory       = 100
	DefaultSlowThreshold = 60 * time.Second
	recentTimes          = 10
	recentAlerts         = 10

	// OpTotal aggregates whole-pipeline runs next to the per-step figures.
	OpTotal = "total_pipeline"
)

// Operations lists the rows of a performance summary, in order.
var Operations = []string{
	string(types.StepUpload), string(types.StepAudioProcessing),
	string(types.StepTranscription), string(types.StepDatabaseStorage), OpTotal,
}

// OperationStats counts every finished attempt in Count and SuccessRate.
// The timing fields cover the Samples attempts that recorded a duration.
type OperationStats struct {
	Count       int       `json:"count"`
	Failures    int       `json:"failures"`
	Samples     int       `json:"samples"`
	AvgTime     float64   `json:"avg_time"`
	MinTime     float64   `json:"min_time"`
	MaxTime     float64   `json:"max_time"`
	SuccessRate float64   `json:"success_rate"`
	RecentTimes []float64 `json:"recent_times,omitempty"`
}

type Alert struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id"`
	Step      string    `json:"step"`
	Duration  float64   `json:"duration"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type StepState struct {
	Status    types.StepStatus `json:"status"`
	Duration  float64          `json:"duration"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Pipeline struct {
	CallID        string               `json:"call_id"`
	Status        string               `json:"status"`
	StartTime     time.Time            `json:"start_time"`
	EndTime       *time.Time           `json:"end_time,omitempty"`
	TotalDuration float64              `json:"total_duration,omitempty"`
	FileInfo      map[string]any       `json:"file_info,omitempty"`
	Steps         map[string]StepState `json:"steps"`
	FailedStep    string               `json:"failed_step,omitempty"`
	Error         string               `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	HeapSys    uint64 `json:"heap_sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type Summary struct {
	Operations      map[string]OperationStats `json:"operations"`
	ActivePipelines int                       `json:"active_pipelines"`
	RecentAlerts    []Alert                   `json:"recent_alerts"`
	Runtime         RuntimeStats              `json:"runtime"`
	Timestamp       time.Time                 `json:"timestamp"`
}

type Options struct {
	History       int
	SlowThreshold time.Duration
	Now           func() time.Time
}

type opCounters struct {
	times    []float64
	success  int
	failures int
}

// Monitor is safe for concurrent use.
type Monitor struct {
	log  *logger.Logger
	opts Options

	mu      sync.Mutex
	ops     map[string]*opCounters
	active  map[string]*Pipeline
	history []Pipeline
	alerts  []Alert
}

func New(log *logger.Logger, opts Options) *Monitor {
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{
		log:    log.Component("monitor"),
		opts:   opts,
		ops:    make(map[string]*opCounters),
		active: make(map[string]*Pipeline),
	}
}

func (m *Monitor) Start(callID string, fileInfo map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[callID] = &Pipeline{
		CallID:    callID,
		Status:    "running",
		StartTime: m.opts.Now(),
		FileInfo:  fileInfo,
		Steps:     map[string]StepState{},
	}
	m.log.WithField("call_id", callID).Debug("monitoring pipeline")
}

// Step records a finished (or failed) step. Unknown calls are ignored.
func (m *Monitor) Step(callID string, step types.Step, status types.StepStatus, d time.Duration, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[callID]
	if !ok {
		return
	}
	p.Steps[string(step)] = StepState{Status: status, Duration: d.Seconds(), Error: errText, Timestamp: m.opts.Now()}

	op := m.op(string(step))
	if d > 0 {
		op.record(d.Seconds(), m.opts.History)
	}
	switch status {
	case types.StepCompleted:
		op.success++
	case types.StepFailed:
		op.failures++
	}
	if d > m.opts.SlowThreshold {
		m.alert(Alert{
			Type:      "slow_operation",
			CallID:    callID,
			Step:      string(step),
			Duration:  d.Seconds(),
			Threshold: m.opts.SlowThreshold.Seconds(),
			Timestamp: m.opts.Now(),
		})
	}
}

func (m *Monitor) Complete(callID string) {
	m.finish(callID, "completed", "", nil)
}

func (m *Monitor) Fail(callID string, step types.Step, err error) {
	m.finish(callID, "failed", step, err)
}

func (m *Monitor) finish(callID, status string, step types.Step, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[callID]
	if !ok {
		return
	}
	delete(m.active, callID)

	end := m.opts.Now()
	p.Status = status
	p.EndTime = &end
	p.TotalDuration = end.Sub(p.StartTime).Seconds()
	total := m.op(OpTotal)
	if err != nil {
		p.FailedStep = string(step)
		p.Error = err.Error()
		total.failures++
	} else {
		total.success++
		total.record(p.TotalDuration, m.opts.History)
	}

	m.history = append(m.history, *p)
	if over := len(m.history) - m.opts.History; over > 0 {
		m.history = m.history[over:]
	}

	entry := m.log.WithFields(logrus.Fields{"call_id": callID, "total_duration": p.TotalDuration})
	if err != nil {
		entry.WithField("step", step).WithError(err).Warn("pipeline failed")
		return
	}
	entry.Info("pipeline completed")
}

func (m *Monitor) Stats(op string) OperationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats(op)
}

func (m *Monitor) stats(op string) OperationStats {
	c, ok := m.ops[op]
	if !ok {
		return OperationStats{}
	}
	s := OperationStats{Count: c.success + c.failures, Failures: c.failures, Samples: len(c.times)}
	if s.Count > 0 {
		s.SuccessRate = float64(c.success) / float64(s.Count)
	}
	if len(c.times) == 0 {
		return s
	}
	s.MinTime, s.MaxTime = c.times[0], c.times[0]
	var sum float64
	for _, t := range c.times {
		sum += t
		s.MinTime = min(s.MinTime, t)
		s.MaxTime = max(s.MaxTime, t)
	}
	s.AvgTime = sum / float64(len(c.times))
	recent := c.times[max(0, len(c.times)-recentTimes):]
	s.RecentTimes = append([]float64(nil), recent...)
	return s
}

func (m *Monitor) Summary() Summary {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := Summary{
		Operations:      make(map[string]OperationStats, len(Operations)),
		ActivePipelines: len(m.active),
		RecentAlerts:    append([]Alert{}, m.alerts[max(0, len(m.alerts)-recentAlerts):]...),
		Runtime: RuntimeStats{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  ms.HeapAlloc,
			HeapSys:    ms.HeapSys,
			NumGC:      ms.NumGC,
		},
		Timestamp: m.opts.Now(),
	}
	for _, op := range Operations {
		out.Operations[op] = m.stats(op)
	}
	return out
}

// Active returns copies of the pipelines still running.
func (m *Monitor) Active() []Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pipeline, 0, len(m.active))
	for _, p := range m.active {
		out = append(out, clonePipeline(*p))
	}
	return out
}

// History returns up to limit finished pipelines, oldest first.
func (m *Monitor) History(limit int) []Pipeline {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]Pipeline, 0, len(m.history)-start)
	for _, p := range m.history[start:] {
		out = append(out, clonePipeline(p))
	}
	return out
}

func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

func (m *Monitor) op(name string) *opCounters {
	c, ok := m.ops[name]
	if !ok {
		c = &opCounters{}
		m.ops[name] = c
	}
	return c
}

func (m *Monitor) alert(a Alert) {
	m.alerts = append(m.alerts, a)
	if over := len(m.alerts) - m.opts.History; over > 0 {
		m.alerts = m.alerts[over:]
	}
	m.log.WithFields(logrus.Fields{
		"call_id":   a.CallID,
		"step":      a.Step,
		"duration":  a.Duration,
		"threshold": a.Threshold,
	}).Warn("slow operation")
}

func (c *opCounters) record(secs float64, limit int) {
	c.times = append(c.times, secs)
	if over := len(c.times) - limit; over > 0 {
		c.times = c.times[over:]
	}
}

func clonePipeline(p Pipeline) Pipeline {
	steps := make(map[string]StepState, len(p.Steps))
	for k, v := range p.Steps {
		steps[k] = v
	}
	p.Steps = steps
	return p
}
