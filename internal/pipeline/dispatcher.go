package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
)

// CreateRequest is the validated input for one generation task.
type CreateRequest struct {
	UserID    string
	Type      domain.TaskType
	SceneID   string
	Locale    string
	InputRefs []string
	Quantity  int
}

// CreateResponse is what the caller-facing API returns.
type CreateResponse struct {
	TaskID           string
	ResultID         string
	CreditsUsed      int
	CreditsRemaining int
}

// DispatcherConfig collects the dispatcher's collaborators and limits.
type DispatcherConfig struct {
	Store      domain.TaskStore
	Tasks      domain.TaskRepository
	Results    domain.ResultRepository
	Ledger     domain.CreditLedger
	Launcher   Launcher
	Flags      CancelFlag
	Reconciler *Reconciler
	Logger     infra.Logger

	MaxActiveTasks  int
	MaxInputImages  int
	CreditsPerImage int
	LaunchTimeout   time.Duration
}

// Dispatcher is the task entry point: it validates, debits, persists the
// task plus its result placeholder, and fires the isolated worker without
// blocking the caller.
type Dispatcher struct {
	cfg DispatcherConfig

	// detach runs the fire-and-forget launch. Replaced in tests to run
	// synchronously.
	detach func(fn func())
}

// NewDispatcher applies defaults and returns the dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxActiveTasks <= 0 {
		cfg.MaxActiveTasks = 3
	}
	if cfg.MaxInputImages <= 0 {
		cfg.MaxInputImages = 9
	}
	if cfg.CreditsPerImage <= 0 {
		cfg.CreditsPerImage = 10
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		detach: func(fn func()) { go fn() },
	}
}

// Create validates the request, debits credits atomically with the task and
// result-placeholder writes, then launches the worker and returns without
// waiting for it.
func (d *Dispatcher) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	cost := quantity * d.cfg.CreditsPerImage

	// Pre-check for a friendly rejection; the conditional debit inside
	// CreateWithDebit is what actually protects against races.
	balance, err := d.cfg.Ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientCredits, cost, balance)
	}

	active, err := d.cfg.Tasks.CountActive(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if active >= d.cfg.MaxActiveTasks {
		return nil, fmt.Errorf("%w: %d tasks already running", domain.ErrTooManyActiveTasks, active)
	}

	task := &domain.Task{
		ID:     uuid.NewString(),
		UserID: req.UserID,
		Type:   req.Type,
		State:  domain.StatePending,
		StateData: domain.StateData{
			SceneID:   req.SceneID,
			Locale:    req.Locale,
			Quantity:  quantity,
			InputRefs: req.InputRefs,
		},
		CreditsCost:     cost,
		CreditsDeducted: true,
	}
	result := &domain.Result{
		ID:     uuid.NewString(),
		TaskID: task.ID,
		UserID: req.UserID,
		Type:   req.Type,
		Status: domain.ResultStatusPending,
	}

	balanceAfter, err := d.cfg.Store.CreateWithDebit(ctx, task, result)
	if err != nil {
		return nil, err
	}

	d.detach(func() { d.launch(task) })

	return &CreateResponse{
		TaskID:           task.ID,
		ResultID:         result.ID,
		CreditsUsed:      cost,
		CreditsRemaining: balanceAfter,
	}, nil
}

// launch fires the isolated worker. It runs detached from the request: its
// only observers are the log and, on definite rejection, the failure path.
// The panic boundary keeps a broken launcher from crashing the API process.
func (d *Dispatcher) launch(task *domain.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			d.cfg.Logger.Error().Str("task_id", task.ID).Interface("panic", rec).Msg("launch panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.LaunchTimeout)
	defer cancel()

	err := d.cfg.Launcher.Launch(ctx, task.ID)
	if err == nil {
		d.cfg.Logger.Info().Str("task_id", task.ID).Msg("worker launched")
		return
	}
	if isLaunchTimeout(err) {
		// The push may have landed; the worker self-reports if it runs, and
		// its own deadline write covers the stuck case.
		d.cfg.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("worker launch timed out, leaving task in place")
		return
	}

	d.cfg.Logger.Error().Err(err).Str("task_id", task.ID).Msg("worker launch rejected")
	d.failLaunch(ctx, task, err)
}

// failLaunch mirrors the reconciler path for a rejection that happens before
// any sweep could see the task.
func (d *Dispatcher) failLaunch(ctx context.Context, task *domain.Task, cause error) {
	msg := fmt.Sprintf("worker launch rejected: %v", cause)
	failed, err := d.cfg.Tasks.MarkFailed(ctx, task.ID, msg)
	if err != nil {
		d.cfg.Logger.Error().Err(err).Str("task_id", task.ID).Msg("mark failed after launch rejection failed")
		return
	}
	if !failed {
		return
	}
	if err := d.cfg.Results.MarkFailed(ctx, task.ID, msg); err != nil {
		d.cfg.Logger.Error().Err(err).Str("task_id", task.ID).Msg("mark result failed after launch rejection failed")
	}
	d.cfg.Reconciler.Refund(ctx, task)
}

// Cancel honors a cancel request while the task is non-terminal: it writes
// cancelled, raises the worker cancel flag, withdraws any still-queued work
// and refunds. A worker completion racing the cancel resolves last-write-wins
// at the storage layer.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, userID string) error {
	task, err := d.cfg.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task.UserID != userID {
		return domain.ErrNotFound
	}
	if task.State.Terminal() {
		return domain.ErrNotCancelable
	}

	cancelled, err := d.cfg.Tasks.MarkCancelled(ctx, taskID)
	if err != nil {
		return err
	}
	if !cancelled {
		return domain.ErrNotCancelable
	}

	if err := d.cfg.Flags.Set(ctx, taskID); err != nil {
		d.cfg.Logger.Warn().Err(err).Str("task_id", taskID).Msg("cancel flag write failed")
	}
	if err := d.cfg.Launcher.Withdraw(ctx, taskID); err != nil {
		d.cfg.Logger.Warn().Err(err).Str("task_id", taskID).Msg("queue withdraw failed")
	}
	if err := d.cfg.Results.MarkFailed(ctx, taskID, "cancelled by user"); err != nil {
		d.cfg.Logger.Warn().Err(err).Str("task_id", taskID).Msg("mark result cancelled failed")
	}

	d.cfg.Reconciler.Refund(ctx, task)
	d.cfg.Logger.Info().Str("task_id", taskID).Msg("task cancelled")
	return nil
}

func (d *Dispatcher) validate(req CreateRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidRequest, req.Type)
	}
	if len(req.InputRefs) > d.cfg.MaxInputImages {
		return fmt.Errorf("%w: at most %d input images", domain.ErrInvalidRequest, d.cfg.MaxInputImages)
	}
	switch req.Type {
	case domain.TaskTypeFitting, domain.TaskTypePersonalFitting:
		if len(req.InputRefs) < 2 {
			return fmt.Errorf("%w: fitting needs a person photo and at least one garment", domain.ErrInvalidRequest)
		}
	case domain.TaskTypePhotography:
		if req.SceneID == "" {
			return fmt.Errorf("%w: photography needs a scene", domain.ErrInvalidRequest)
		}
		if len(req.InputRefs) == 0 {
			return fmt.Errorf("%w: at least one input image is required", domain.ErrInvalidRequest)
		}
	default:
		if len(req.InputRefs) == 0 {
			return fmt.Errorf("%w: at least one input image is required", domain.ErrInvalidRequest)
		}
	}
	if req.Quantity < 0 || req.Quantity > 4 {
		return fmt.Errorf("%w: quantity must be between 1 and 4", domain.ErrInvalidRequest)
	}
	return nil
}
