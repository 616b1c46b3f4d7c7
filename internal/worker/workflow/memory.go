package workflow

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu    sync.Mutex
	steps map[string]map[string]StepState
	saves int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{steps: make(map[string]map[string]StepState)}
}

func (m *MemoryStore) LoadSteps(_ context.Context, runKey string) (map[string]StepState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]StepState, len(m.steps[runKey]))
	for step, st := range m.steps[runKey] {
		st.Output = append(json.RawMessage(nil), st.Output...)
		out[step] = st
	}
	return out, nil
}

func (m *MemoryStore) BeginAttempt(_ context.Context, runKey, step string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.run(runKey)[step]
	if !st.Done && attempt > st.Attempts {
		st.Attempts = attempt
	}
	m.steps[runKey][step] = st
	return nil
}

func (m *MemoryStore) SaveStep(_ context.Context, runKey, step string, output json.RawMessage, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.run(runKey)[step] = StepState{
		Output:   append(json.RawMessage(nil), output...),
		Attempts: attempts,
		Done:     true,
	}
	m.saves++
	return nil
}

func (m *MemoryStore) run(runKey string) map[string]StepState {
	if m.steps[runKey] == nil {
		m.steps[runKey] = make(map[string]StepState)
	}
	return m.steps[runKey]
}

// Saves returns how many checkpoints were written
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Attempts returns the started attempts recorded for step of runKey
func (m *MemoryStore) Attempts(runKey, step string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[runKey][step].Attempts
}
