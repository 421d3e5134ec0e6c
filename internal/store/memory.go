// Package store is the in-memory persistence layer for calls, transcripts
// and analyses.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalhub-go/internal/types"
)

var ErrNotFound = errors.New("store: call not found")

type StatusChange struct {
	Status types.CallStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

type record struct {
	call       types.Call
	transcript *types.TranscriptionResult
	analysis   *types.Analysis
	history    []StatusChange
}

// Memory is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	calls map[string]*record
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{calls: make(map[string]*record), now: time.Now}
}

func (m *Memory) CreateCall(_ context.Context, call types.Call) (types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[call.CallID]; ok {
		return types.Call{}, fmt.Errorf("store: call %s already exists", call.CallID)
	}
	now := m.now().UTC()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = now
	}
	call.UpdatedAt = now
	if call.Status == "" {
		call.Status = types.CallCreated
	}
	m.calls[call.CallID] = &record{
		call:    call,
		history: []StatusChange{{Status: call.Status, At: now}},
	}
	return call, nil
}

func (m *Memory) UpdateStatus(_ context.Context, callID string, status types.CallStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("update status %s: %w", callID, ErrNotFound)
	}
	now := m.now().UTC()
	r.call.Status = status
	r.call.LastError = errText
	r.call.UpdatedAt = now
	r.history = append(r.history, StatusChange{Status: status, Error: errText, At: now})
	return nil
}

// SetDuration records the probed audio length of a call.
func (m *Memory) SetDuration(_ context.Context, callID string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("set duration %s: %w", callID, ErrNotFound)
	}
	r.call.DurationSeconds = seconds
	return nil
}

func (m *Memory) StoreTranscript(_ context.Context, callID string, result types.TranscriptionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("store transcript %s: %w", callID, ErrNotFound)
	}
	result.Segments = append([]types.Segment(nil), result.Segments...)
	r.transcript = &result
	return nil
}

func (m *Memory) StoreAnalysis(_ context.Context, callID string, analysis types.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("store analysis %s: %w", callID, ErrNotFound)
	}
	analysis.Keywords = append([]string(nil), analysis.Keywords...)
	r.analysis = &analysis
	return nil
}

func (m *Memory) Call(_ context.Context, callID string) (types.Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.calls[callID]
	if !ok {
		return types.Call{}, ErrNotFound
	}
	return r.call, nil
}

// Transcript returns the stored transcript, if any.
func (m *Memory) Transcript(callID string) (types.TranscriptionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.calls[callID]
	if !ok || r.transcript == nil {
		return types.TranscriptionResult{}, false
	}
	return *r.transcript, true
}

func (m *Memory) Analysis(callID string) (types.Analysis, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.calls[callID]
	if !ok || r.analysis == nil {
		return types.Analysis{}, false
	}
	return *r.analysis, true
}

func (m *Memory) History(callID string) []StatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.calls[callID]
	if !ok {
		return nil
	}
	return append([]StatusChange(nil), r.history...)
}

// Calls lists every call, oldest first.
func (m *Memory) Calls() []types.Call {
	m.mu.RLock()
	out := make([]types.Call, 0, len(m.calls))
	for _, r := range m.calls {
		out = append(out, r.call)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
