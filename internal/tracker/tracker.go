// Package tracker keeps per-call, per-step progress of pipeline runs.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"signalhub-go/internal/types"
)

const summaryLimit = 100

var (
	ErrStepOutOfOrder = errors.New("tracker: earlier step not recorded")
	ErrStepNotStarted = errors.New("tracker: step not started")
	ErrStepFailed     = errors.New("tracker: step already failed")
	ErrUnknownStep    = errors.New("tracker: unknown step")
)

// Overall run states derived from the step records.
const (
	OverallRunning   = "running"
	OverallCompleted = "completed"
	OverallFailed    = "failed"
	OverallPartial   = "partial"
)

type StepFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepRecord is the snapshot of one step. Steps never touched by the run are
// reported as pending with no timing.
type StepRecord struct {
	Step            types.Step       `json:"step"`
	Status          types.StepStatus `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	Duration        time.Duration    `json:"-"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	Result          map[string]any   `json:"result,omitempty"`
	Error           *StepFailure     `json:"error,omitempty"`
}

type Status struct {
	CallID               string        `json:"call_id"`
	Found                bool          `json:"found"`
	Overall              string        `json:"overall_status,omitempty"`
	Steps                []StepRecord  `json:"steps,omitempty"`
	TotalDuration        time.Duration `json:"-"`
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
}

// Step returns the record for s, or a pending record when absent.
func (s Status) Step(step types.Step) StepRecord {
	for _, rec := range s.Steps {
		if rec.Step == step {
			return rec
		}
	}
	return StepRecord{Step: step, Status: types.StepPending}
}

type Options struct {
	Capacity int
	TTL      time.Duration
	Now      func() time.Time
}

type stepState struct {
	status   types.StepStatus
	started  time.Time
	ended    time.Time
	duration time.Duration
	timed    bool
	result   map[string]any
	failure  *StepFailure
}

type run struct {
	mu    sync.Mutex
	steps map[types.Step]*stepState
}

// Tracker is safe for concurrent use across calls. Runs are evicted when the
// capacity is exceeded (least recently used first) or when their TTL lapses.
type Tracker struct {
	mu   sync.Mutex
	runs *expirable.LRU[string, *run]
	now  func() time.Time
}

func New(opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		runs: expirable.NewLRU[string, *run](opts.Capacity, nil, opts.TTL),
		now:  opts.Now,
	}
}

func (t *Tracker) getOrCreate(callID string) *run {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs.Get(callID); ok {
		return r
	}
	r := &run{steps: make(map[types.Step]*stepState, len(types.Steps))}
	t.runs.Add(callID, r)
	return r
}

// StartStep marks step running. Steps must be started in the fixed order and
// a failed step stays failed.
func (t *Tracker) StartStep(callID string, step types.Step) error {
	if step.Index() < 0 {
		return ErrUnknownStep
	}
	r := t.getOrCreate(callID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.steps[step]; ok && st.status == types.StepFailed {
		return ErrStepFailed
	}
	for _, earlier := range types.Steps[:step.Index()] {
		if _, ok := r.steps[earlier]; !ok {
			return ErrStepOutOfOrder
		}
	}
	r.steps[step] = &stepState{status: types.StepRunning, started: t.now()}
	return nil
}

func (t *Tracker) CompleteStep(callID string, step types.Step, result map[string]any) error {
	return t.finish(callID, step, func(st *stepState) {
		st.status = types.StepCompleted
		st.result = summarize(result)
	})
}

func (t *Tracker) FailStep(callID string, step types.Step, err error) error {
	return t.finish(callID, step, func(st *stepState) {
		st.status = types.StepFailed
		if err != nil {
			st.failure = &StepFailure{Kind: types.Kind(err), Message: err.Error()}
		}
	})
}

func (t *Tracker) finish(callID string, step types.Step, apply func(*stepState)) error {
	r, ok := t.runs.Get(callID)
	if !ok {
		return ErrStepNotStarted
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.steps[step]
	if !ok {
		return ErrStepNotStarted
	}
	if st.status == types.StepFailed {
		return ErrStepFailed
	}
	st.ended = t.now()
	st.duration = st.ended.Sub(st.started)
	st.timed = true
	apply(st)
	return nil
}

// Status returns a snapshot of the run. Unknown ids give Found=false.
func (t *Tracker) Status(callID string) Status {
	r, ok := t.runs.Get(callID)
	if !ok {
		return Status{CallID: callID}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Status{CallID: callID, Found: true, Steps: make([]StepRecord, 0, len(types.Steps))}
	anyFailed, anyRunning, allCompleted := false, false, true
	for _, step := range types.Steps {
		st, ok := r.steps[step]
		if !ok {
			out.Steps = append(out.Steps, StepRecord{Step: step, Status: types.StepPending})
			continue
		}
		rec := StepRecord{
			Step:   step,
			Status: st.status,
			Result: copyMap(st.result),
		}
		started := st.started
		rec.StartedAt = &started
		if st.timed {
			ended := st.ended
			secs := st.duration.Seconds()
			rec.EndedAt = &ended
			rec.Duration = st.duration
			rec.DurationSeconds = &secs
			out.TotalDuration += st.duration
		}
		if st.failure != nil {
			f := *st.failure
			rec.Error = &f
		}
		switch st.status {
		case types.StepFailed:
			anyFailed = true
		case types.StepRunning:
			anyRunning = true
		}
		if st.status != types.StepCompleted {
			allCompleted = false
		}
		out.Steps = append(out.Steps, rec)
	}
	out.TotalDurationSeconds = out.TotalDuration.Seconds()

	switch {
	case anyFailed:
		out.Overall = OverallFailed
	case anyRunning:
		out.Overall = OverallRunning
	case allCompleted && len(r.steps) > 0:
		out.Overall = OverallCompleted
	default:
		out.Overall = OverallPartial
	}
	return out
}

// Forget drops a run, typically after its terminal status was read.
func (t *Tracker) Forget(callID string) bool {
	return t.runs.Remove(callID)
}

func (t *Tracker) Len() int {
	return t.runs.Len()
}

// Keys lists tracked call ids, oldest first.
func (t *Tracker) Keys() []string {
	return t.runs.Keys()
}

func summarize(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = truncate(s)
		}
		out[k] = v
	}
	return out
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= summaryLimit {
		return s
	}
	return string(runes[:summaryLimit]) + "..."
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
