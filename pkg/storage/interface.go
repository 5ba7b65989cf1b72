package storage

import (
	"context"
	"errors"

	"emberci/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// RunStore is the archive of completed runs. The in-memory registry
// only holds live runs; everything historical lives here.
type RunStore interface {
	// RecordRun persists the terminal state of a finished run.
	RecordRun(ctx context.Context, rec *models.RunRecord) error

	// GetRun retrieves one archived run.
	GetRun(ctx context.Context, name string, build uint) (*models.RunRecord, error)

	// ListHistory returns the most recent archived builds of a job,
	// newest first.
	ListHistory(ctx context.Context, name string, limit int) ([]models.RunRecord, error)

	// LastResult returns the result string of the most recent archived
	// build of a job, or ErrNotFound if the job has never built.
	LastResult(ctx context.Context, name string) (string, error)

	// NextBuild returns the next build number for a job (max archived
	// build + 1, or 1 for a new job). The scheduler seeds its in-memory
	// counter from this at startup.
	NextBuild(ctx context.Context, name string) (uint, error)
}

// TriggerQueue is the mechanism by which external clients enqueue build
// requests for the scheduler to consume.
type TriggerQueue interface {
	// Push adds a trigger to the pending stream.
	Push(ctx context.Context, trig *models.Trigger) error

	// Pop retrieves one trigger for a consumer group, blocking briefly.
	// A nil trigger with nil error means the wait timed out.
	Pop(ctx context.Context, group, consumer string) (string, *models.Trigger, error)

	// Ack acknowledges a trigger as handled.
	Ack(ctx context.Context, group, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error
}
