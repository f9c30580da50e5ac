package supervisor

import (
	"context"
	"fmt"

	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// Board is the task store behind a supervisor: SQLite by default, or an
// in-process taskdb.DB for the memory driver.
type Board interface {
	dispatch.Store
	UpsertTask(ctx context.Context, t *taskdb.Task) error
	GetTask(ctx context.Context, id string) (*taskdb.Task, error)
	TaskStats(ctx context.Context) (map[taskdb.TaskStatus]int, error)
}

// MemoryBoard adapts taskdb.DB to Board. Nothing survives a restart.
type MemoryBoard struct {
	*taskdb.DB
}

// NewMemoryBoard creates an empty in-memory board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{DB: taskdb.New()}
}

// UpsertTask implements Board.
func (b *MemoryBoard) UpsertTask(_ context.Context, t *taskdb.Task) error {
	b.Put(t)
	return nil
}

// GetTask implements Board.
func (b *MemoryBoard) GetTask(_ context.Context, id string) (*taskdb.Task, error) {
	t, ok := b.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", taskdb.ErrTaskNotFound, id)
	}
	return t, nil
}

// TaskStats implements Board.
func (b *MemoryBoard) TaskStats(context.Context) (map[taskdb.TaskStatus]int, error) {
	return b.Stats(), nil
}
