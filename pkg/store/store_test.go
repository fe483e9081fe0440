package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]Store{"memory": NewMemoryStore()}

	sqlite, err := OpenSQL(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	out["sqlite"] = sqlite

	if dsn := os.Getenv("POSTGRES_URL"); dsn != "" {
		pg, err := OpenSQL(ctx, "postgres", dsn)
		require.NoError(t, err)
		_, err = pg.DB().ExecContext(ctx, "TRUNCATE usage_records, workflow_executions")
		require.NoError(t, err)
		out["postgres"] = pg
	}
	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func TestUsageAppendAndQuery(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []ledger.Record{
				{ID: "r1", Identity: "alice", Provider: "p1", Units: 1.5, Cost: 0.3, Outcome: ledger.OutcomeSuccess, Timestamp: base},
				{ID: "r2", Identity: "bob", Provider: "p2", Outcome: ledger.OutcomeFailure, Reason: "timeout", Timestamp: base.Add(time.Minute)},
				{ID: "r3", Identity: "alice", Provider: "p1", Outcome: ledger.OutcomeCached, Timestamp: base.Add(2 * time.Minute)},
				{ID: "r4", Identity: "alice", Provider: "p1", Units: -1.5, Cost: -0.3, Outcome: ledger.OutcomeAdjustment, Reference: "r1", Timestamp: base.Add(3 * time.Minute)},
			}
			for _, rec := range recs {
				require.NoError(t, s.AppendUsage(ctx, rec))
			}

			all, err := s.QueryUsage(ctx, ledger.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "r1", all[0].ID)
			assert.Equal(t, recs[0].Timestamp, all[0].Timestamp)
			assert.Equal(t, "timeout", all[1].Reason)
			assert.Equal(t, "r1", all[3].Reference)

			alice, err := s.QueryUsage(ctx, ledger.Filter{Identity: "alice", Since: base.Add(time.Minute), Until: base.Add(3 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, alice, 1)
			assert.Equal(t, ledger.OutcomeCached, alice[0].Outcome)

			limited, err := s.QueryUsage(ctx, ledger.Filter{Provider: "p1", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			agg := ledger.Fold(all)
			assert.InDelta(t, 0, agg.TotalCost, 1e-9)
		})
	}
}

func TestExecutionSaveAndUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			exec := workflow.Execution{
				ID:         "e1",
				WorkflowID: "digest",
				Trigger: workflow.TriggerContext{
					Type:    workflow.TriggerWebhook,
					Source:  "webhook",
					Payload: map[string]any{"id": "42"},
					FiredAt: base,
				},
				State:     workflow.StatePending,
				CreatedAt: base,
			}
			require.NoError(t, s.SaveExecution(ctx, exec))

			exec.State = workflow.StateCompleted
			exec.StartedAt = base.Add(time.Second)
			exec.EndedAt = base.Add(2 * time.Second)
			exec.PartialFailure = true
			exec.Steps = []workflow.StepResult{
				{Name: "a", Kind: workflow.StepNotify, Status: workflow.StepSucceeded, StartedAt: base, EndedAt: base},
				{Name: "b", Kind: workflow.StepHTTPCall, Status: workflow.StepFailed, Error: "502", ContinueOnError: true},
			}
			require.NoError(t, s.SaveExecution(ctx, exec))

			got, err := s.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, workflow.StateCompleted, got.State)
			assert.True(t, got.PartialFailure)
			assert.Equal(t, exec.EndedAt, got.EndedAt)
			require.Len(t, got.Steps, 2)
			assert.Equal(t, "502", got.Steps[1].Error)
			assert.Equal(t, "42", got.Trigger.Payload["id"])

			_, err = s.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListExecutions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, spec := range []struct {
				id, wf string
				state  workflow.State
			}{
				{"e1", "a", workflow.StateCompleted},
				{"e2", "a", workflow.StateFailed},
				{"e3", "b", workflow.StateCompleted},
			} {
				require.NoError(t, s.SaveExecution(ctx, workflow.Execution{
					ID: spec.id, WorkflowID: spec.wf, State: spec.state,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			all, err := s.ListExecutions(ctx, ExecutionFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "e3", all[0].ID, "newest first")

			forA, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "a"})
			require.NoError(t, err)
			assert.Len(t, forA, 2)

			completed, err := s.ListExecutions(ctx, ExecutionFilter{State: workflow.StateCompleted, Limit: 1})
			require.NoError(t, err)
			require.Len(t, completed, 1)
			assert.Equal(t, "e3", completed[0].ID)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &SQLStore{driver: "sqlite"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, "sqlite", "")
	assert.Error(t, err)

	_, err = Open(ctx, "mongo", "x")
	assert.Error(t, err)
}
