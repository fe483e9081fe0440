// Package store persists usage records and workflow executions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// ErrNotFound is returned for unknown execution ids.
var ErrNotFound = errors.New("not found")

// UsageStore is the durable side of the cost ledger.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec ledger.Record) error
	QueryUsage(ctx context.Context, f ledger.Filter) ([]ledger.Record, error)
}

// ExecutionFilter selects executions. Zero fields match everything.
type ExecutionFilter struct {
	WorkflowID string
	State      workflow.State
	Limit      int
}

// ExecutionStore keeps workflow execution records.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec workflow.Execution) error
	GetExecution(ctx context.Context, id string) (workflow.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]workflow.Execution, error)
}

// Store is the full persistence surface.
type Store interface {
	UsageStore
	ExecutionStore
	Close() error
}

// Open returns the store for driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
