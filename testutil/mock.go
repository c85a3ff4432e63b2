package testutil

import (
	"context"
	"sync"

	"github.com/nict-isp/uds-sdk/envelope"
)

// MemorySink records every stored batch. Thread-safe.
type MemorySink struct {
	mu      sync.Mutex
	batches [][]*envelope.Envelope

	// StoreErr, when set, is returned from Store after recording.
	StoreErr error

	OpenCalls  int
	CloseCalls int
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Open counts the call.
func (m *MemorySink) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	return nil
}

// Close counts the call.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Store records batch.
func (m *MemorySink) Store(_ context.Context, batch []*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return m.StoreErr
}

// Batches returns the recorded batches.
func (m *MemorySink) Batches() [][]*envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*envelope.Envelope(nil), m.batches...)
}

// Data returns every stored datum in storage order.
func (m *MemorySink) Data() []envelope.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []envelope.Fields
	for _, b := range m.batches {
		for _, e := range b {
			out = append(out, e.Data.Values...)
		}
	}
	return out
}

// Step is one scripted fetch result.
type Step[T any] struct {
	Value T
	Empty bool
	Err   error
}

// ScriptedFetcher replays Steps in order. Once exhausted it returns
// Exhausted (typically a wrapped abort error) on every call.
type ScriptedFetcher[T any] struct {
	mu        sync.Mutex
	steps     []Step[T]
	calls     int
	Exhausted error
}

// NewScriptedFetcher creates a fetcher replaying steps.
func NewScriptedFetcher[T any](exhausted error, steps ...Step[T]) *ScriptedFetcher[T] {
	return &ScriptedFetcher[T]{steps: steps, Exhausted: exhausted}
}

// Fetch returns the next step.
func (f *ScriptedFetcher[T]) Fetch(context.Context) (T, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var zero T
	if f.calls >= len(f.steps) {
		f.calls++
		return zero, false, f.Exhausted
	}
	s := f.steps[f.calls]
	f.calls++
	if s.Err != nil {
		return zero, false, s.Err
	}
	return s.Value, !s.Empty, nil
}

// Calls returns the number of Fetch calls so far.
func (f *ScriptedFetcher[T]) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
