package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
)

// sweepOrder lists the states the scheduler drives, in pipeline order.
// handed_off is deliberately absent: once a worker owns a task only the
// worker's writes advance it.
var sweepOrder = []domain.TaskState{
	domain.StatePending,
	domain.StateDownloading,
	domain.StateDownloaded,
	domain.StateAICalling,
	domain.StateAIProcessing,
	domain.StateAICompleted,
	domain.StateWatermarking,
	domain.StateUploading,
}

// Scheduler periodically sweeps every driven state, invoking the bound
// handler for each due task. It is stateless: every scheduling decision is
// derived from the task rows, so a crashed scheduler resumes cleanly on the
// next sweep.
type Scheduler struct {
	tasks      domain.TaskRepository
	results    domain.ResultRepository
	reconciler *Reconciler
	handlers   map[domain.TaskState]Handler
	logger     infra.Logger
	interval   time.Duration
	batchSize  int
}

// NewScheduler builds the sweep loop over the handler table.
func NewScheduler(tasks domain.TaskRepository, results domain.ResultRepository, reconciler *Reconciler, handlers *Handlers, logger infra.Logger, interval time.Duration, batchSize int) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Scheduler{
		tasks:      tasks,
		results:    results,
		reconciler: reconciler,
		handlers:   handlers.Table(),
		logger:     logger,
		interval:   interval,
		batchSize:  batchSize,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every driven state. A state whose query or
// handlers fail never prevents the remaining states from being processed.
func (s *Scheduler) Sweep(ctx context.Context) {
	for _, state := range sweepOrder {
		if ctx.Err() != nil {
			return
		}
		s.sweepState(ctx, state)
	}
}

func (s *Scheduler) sweepState(ctx context.Context, state domain.TaskState) {
	tasks, err := s.tasks.ListByState(ctx, state, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Str("state", string(state)).Msg("sweep query failed")
		return
	}
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTask(ctx, &task)
		}()
	}
	wg.Wait()
}

// runTask executes one handler invocation with its own panic boundary so a
// single task cannot abort the batch.
func (s *Scheduler) runTask(ctx context.Context, task *domain.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Str("task_id", task.ID).Interface("panic", rec).Msg("handler panicked")
			s.recordFailure(ctx, task, fmt.Errorf("handler panic: %v", rec))
		}
	}()

	handler, ok := s.handlers[task.State]
	if !ok {
		s.logger.Error().Str("task_id", task.ID).Str("state", string(task.State)).Msg("no handler bound to state")
		return
	}

	next, data, err := handler(ctx, task)
	if err != nil {
		s.recordFailure(ctx, task, err)
		return
	}
	if next == task.State {
		// Not ready yet (e.g. generation still processing). No write.
		return
	}

	advanced, err := s.tasks.Transition(ctx, task.ID, task.State, next, data)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("transition write failed")
		return
	}
	if !advanced {
		// Another actor (worker terminal write, cancel) moved the task first.
		s.logger.Warn().Str("task_id", task.ID).Str("from", string(task.State)).Str("to", string(next)).Msg("transition lost to concurrent write")
		return
	}
	s.logger.Info().Str("task_id", task.ID).Str("from", string(task.State)).Str("to", string(next)).Msg("task advanced")
}

// recordFailure applies the retry policy: hard failures and exhausted retry
// budgets terminate the task and refund; anything else leaves the task in
// place for the next sweep.
func (s *Scheduler) recordFailure(ctx context.Context, task *domain.Task, cause error) {
	if IsHard(cause) {
		s.fail(ctx, task, cause.Error())
		return
	}

	count, err := s.tasks.IncrementRetry(ctx, task.ID, cause.Error())
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("retry increment failed")
		return
	}
	if count >= domain.RetryCeiling {
		s.fail(ctx, task, cause.Error())
		return
	}
	s.logger.Warn().Err(cause).Str("task_id", task.ID).Str("state", string(task.State)).Int("retry", count).Msg("handler failed, will retry")
}

func (s *Scheduler) fail(ctx context.Context, task *domain.Task, msg string) {
	failed, err := s.tasks.MarkFailed(ctx, task.ID, msg)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark failed write failed")
		return
	}
	if !failed {
		// Already terminal; nothing to reconcile.
		return
	}
	if err := s.results.MarkFailed(ctx, task.ID, msg); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark result failed write failed")
	}
	s.reconciler.Refund(ctx, task)
	s.logger.Info().Str("task_id", task.ID).Str("error", msg).Msg("task failed")
}
