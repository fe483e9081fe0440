package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu         sync.RWMutex
	usage      []ledger.Record
	executions map[string]workflow.Execution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]workflow.Execution)}
}

func (m *MemoryStore) AppendUsage(_ context.Context, rec ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *MemoryStore) QueryUsage(_ context.Context, f ledger.Filter) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Record
	for _, rec := range m.usage {
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveExecution(_ context.Context, exec workflow.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec.Clone()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (workflow.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return workflow.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListExecutions returns matching executions, newest first.
func (m *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]workflow.Execution, error) {
	m.mu.RLock()
	var out []workflow.Execution
	for _, exec := range m.executions {
		if f.WorkflowID != "" && exec.WorkflowID != f.WorkflowID {
			continue
		}
		if f.State != "" && exec.State != f.State {
			continue
		}
		out = append(out, exec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
