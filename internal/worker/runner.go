// Package worker contains the isolated execution unit that owns the
// heavyweight generation stages. Once a worker claims a task it is solely
// responsible for driving it to a terminal state, including self-reporting a
// timeout before the host kills the process.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
	"studio-server/internal/pipeline"
	"studio-server/internal/prompt"
	"studio-server/internal/providers/ai"
	"studio-server/internal/storage"
)

// Config collects the runner's collaborators.
type Config struct {
	RDB        *redis.Client
	QueueKey   string
	Tasks      domain.TaskRepository
	Results    domain.ResultRepository
	Reconciler *pipeline.Reconciler
	Store      storage.ObjectStore
	Prompts    *prompt.Builder
	Invoker    ai.Invoker
	Flags      pipeline.CancelFlag
	Logger     infra.Logger

	// Deadline is the wall-clock budget for one task, set short of the
	// host's hard kill so the failure write always lands first.
	Deadline time.Duration
}

// Runner consumes the task queue and executes one generation per entry.
type Runner struct {
	cfg Config
}

// NewRunner validates defaults and returns the runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 55 * time.Second
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = "tasks:queue"
	}
	return &Runner{cfg: cfg}
}

// Run blocks on the queue until ctx is cancelled. Each popped task id is
// processed in its own goroutine so a slow generation never stalls the pop
// loop.
func (r *Runner) Run(ctx context.Context) error {
	r.cfg.Logger.Info().Str("queue", r.cfg.QueueKey).Msg("worker started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := r.cfg.RDB.BRPop(ctx, 5*time.Second, r.cfg.QueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.cfg.Logger.Error().Err(err).Msg("queue pop failed")
			time.Sleep(5 * time.Second)
			continue
		}

		// res[0] is the queue key, res[1] the task id.
		taskID := res[1]
		go r.Process(ctx, taskID)
	}
}

// Process runs one task end to end under the wall-clock budget.
func (r *Runner) Process(ctx context.Context, taskID string) {
	logger := r.cfg.Logger.With().Str("task_id", taskID).Logger()

	task, err := r.cfg.Tasks.GetByID(ctx, taskID)
	if err != nil {
		logger.Error().Err(err).Msg("task fetch failed, dropping queue entry")
		return
	}

	if !r.claim(ctx, task) {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	images, err := r.generate(runCtx, task, logger)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("generation exceeded the %s worker budget", r.cfg.Deadline)
		}
		if errors.Is(err, errCancelled) {
			logger.Info().Msg("task cancelled mid-run, discarding work")
			return
		}
		r.fail(ctx, task, msg, logger)
		return
	}

	r.complete(ctx, task, images, logger)
}

// claim moves the task into handed_off so no other actor advances it. The
// compare-and-swap makes exactly one claimant win even if the scheduler's
// ai_calling handler and a dispatcher-fired worker race.
func (r *Runner) claim(ctx context.Context, task *domain.Task) bool {
	logger := r.cfg.Logger.With().Str("task_id", task.ID).Logger()
	data := task.StateData
	data.WorkerStarted = true

	for _, from := range []domain.TaskState{domain.StatePending, domain.StateAICalling} {
		if task.State != from {
			continue
		}
		ok, err := r.cfg.Tasks.Transition(ctx, task.ID, from, domain.StateHandedOff, &data)
		if err != nil {
			logger.Error().Err(err).Msg("claim write failed")
			return false
		}
		if ok {
			task.State = domain.StateHandedOff
			task.StateData = data
			return true
		}
	}

	// Reload: the ai_calling handler may have handed off already.
	fresh, err := r.cfg.Tasks.GetByID(ctx, task.ID)
	if err != nil {
		logger.Error().Err(err).Msg("claim reload failed")
		return false
	}
	if fresh.State == domain.StateHandedOff {
		*task = *fresh
		return true
	}
	logger.Warn().Str("state", string(fresh.State)).Msg("task not claimable, dropping queue entry")
	return false
}

var errCancelled = errors.New("task cancelled")

// generate performs the full coarse pipeline: download inputs, build the
// prompt, call the model synchronously, upload the output. The cancel flag is
// checked between stages; the AI call itself is only bounded by ctx.
func (r *Runner) generate(ctx context.Context, task *domain.Task, logger infra.Logger) ([]string, error) {
	data := &task.StateData

	if err := r.checkCancelled(ctx, task.ID); err != nil {
		return nil, err
	}

	if len(data.Images) == 0 && len(data.InputRefs) > 0 {
		images := make([]domain.InputImage, 0, len(data.InputRefs))
		for _, ref := range data.InputRefs {
			blob, err := r.cfg.Store.Download(ctx, ref)
			if err != nil {
				logger.Warn().Err(err).Str("ref", ref).Msg("input download failed, omitting")
				continue
			}
			images = append(images, domain.InputImage{
				Ref:  ref,
				MIME: http.DetectContentType(blob),
				Data: base64.StdEncoding.EncodeToString(blob),
			})
		}
		if len(images) == 0 {
			return nil, fmt.Errorf("all %d input downloads failed", len(data.InputRefs))
		}
		data.Images = images
	}

	if data.Prompt == "" {
		data.Prompt = r.cfg.Prompts.Build(prompt.Request{
			Type:    task.Type,
			SceneID: data.SceneID,
			Locale:  data.Locale,
		})
	}

	if err := r.checkCancelled(ctx, task.ID); err != nil {
		return nil, err
	}

	inputs := make([]string, 0, len(data.Images))
	for _, img := range data.Images {
		inputs = append(inputs, img.Data)
	}
	res, err := r.cfg.Invoker.Invoke(ctx, ai.InvokeRequest{
		Prompt: data.Prompt,
		Images: inputs,
		Params: map[string]any{"quantity": data.Quantity},
		TaskID: task.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := r.checkCancelled(ctx, task.ID); err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(res.Images))
	for i, img := range res.Images {
		ref, err := r.cfg.Store.Upload(ctx, img.Data, fmt.Sprintf("tasks/%s/result-%02d%s", task.ID, i+1, extensionForMIME(img.MIME)))
		if err != nil {
			return nil, fmt.Errorf("upload result image %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("model returned no images")
	}
	return refs, nil
}

func (r *Runner) checkCancelled(ctx context.Context, taskID string) error {
	set, err := r.cfg.Flags.IsSet(ctx, taskID)
	if err != nil {
		// A flaky flag read must not kill a paid generation.
		return nil
	}
	if set {
		return errCancelled
	}
	return nil
}

// complete writes the terminal success: result record populated, task moved
// handed_off -> completed.
func (r *Runner) complete(ctx context.Context, task *domain.Task, images []string, logger infra.Logger) {
	writeCtx, cancel := r.writeContext(ctx)
	defer cancel()

	if err := r.cfg.Results.Complete(writeCtx, task.ID, images); err != nil {
		logger.Error().Err(err).Msg("result finalize failed")
		r.fail(ctx, task, fmt.Sprintf("finalize result record: %v", err), logger)
		return
	}

	data := task.StateData
	data.ResultImages = images
	ok, err := r.cfg.Tasks.Transition(writeCtx, task.ID, domain.StateHandedOff, domain.StateCompleted, &data)
	if err != nil {
		logger.Error().Err(err).Msg("terminal completion write failed")
		return
	}
	if !ok {
		// Rare cancel race; user-visible state reflects whichever write
		// landed last.
		logger.Warn().Msg("completion lost to concurrent terminal write")
		return
	}
	logger.Info().Int("images", len(images)).Msg("task completed")
}

// fail writes the terminal failure and refunds. It runs on a fresh context so
// the write still lands when the run context is already past its deadline.
func (r *Runner) fail(ctx context.Context, task *domain.Task, msg string, logger infra.Logger) {
	writeCtx, cancel := r.writeContext(ctx)
	defer cancel()

	failed, err := r.cfg.Tasks.MarkFailed(writeCtx, task.ID, msg)
	if err != nil {
		logger.Error().Err(err).Msg("terminal failure write failed")
		return
	}
	if !failed {
		return
	}
	if err := r.cfg.Results.MarkFailed(writeCtx, task.ID, msg); err != nil {
		logger.Error().Err(err).Msg("result failure write failed")
	}
	r.cfg.Reconciler.Refund(writeCtx, task)
	logger.Info().Str("error", msg).Msg("task failed")
}

func (r *Runner) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func extensionForMIME(mime string) string {
	switch mime {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
