package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
	"studio-server/internal/prompt"
	"studio-server/internal/providers/ai"
	"studio-server/internal/storage"
)

// Handler is the step function bound to exactly one state. It returns the
// next state and the full replacement stateData. Returning the task's current
// state with a nil error means "nothing to do yet, check again next sweep";
// the scheduler persists nothing in that case. Handlers must be safely
// re-runnable from the same stateData, because a crash between the side
// effect and the state write re-selects the task on the next sweep.
type Handler func(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error)

// Watermarker stamps generated images before upload. The coarse worker path
// receives pre-watermarked output from the model gateway and skips this stage.
type Watermarker interface {
	Stamp(ctx context.Context, data []byte) ([]byte, error)
}

// NoopWatermarker passes images through unchanged.
type NoopWatermarker struct{}

// Stamp returns data as-is.
func (NoopWatermarker) Stamp(_ context.Context, data []byte) ([]byte, error) { return data, nil }

// Handlers owns the per-state step functions and their collaborators.
type Handlers struct {
	store       storage.ObjectStore
	prompts     *prompt.Builder
	invoker     ai.Invoker
	launcher    Launcher
	results     domain.ResultRepository
	watermarker Watermarker
	logger      infra.Logger

	// pollCeiling bounds how long a submitted generation may stay in
	// ai_processing before it is declared dead.
	pollCeiling time.Duration
	// fineGrained selects topology (a) for a type: ai_calling submits an
	// async generation and the scheduler drives every remaining state. All
	// other types hand off to an isolated worker.
	fineGrained map[domain.TaskType]bool
}

// HandlersConfig collects the collaborators for NewHandlers.
type HandlersConfig struct {
	Store            storage.ObjectStore
	Prompts          *prompt.Builder
	Invoker          ai.Invoker
	Launcher         Launcher
	Results          domain.ResultRepository
	Watermarker      Watermarker
	Logger           infra.Logger
	PollCeiling      time.Duration
	FineGrainedTypes []domain.TaskType
}

// NewHandlers builds the handler set.
func NewHandlers(cfg HandlersConfig) *Handlers {
	fine := make(map[domain.TaskType]bool, len(cfg.FineGrainedTypes))
	for _, t := range cfg.FineGrainedTypes {
		fine[t] = true
	}
	if cfg.Watermarker == nil {
		cfg.Watermarker = NoopWatermarker{}
	}
	if cfg.PollCeiling <= 0 {
		cfg.PollCeiling = 10 * time.Minute
	}
	return &Handlers{
		store:       cfg.Store,
		prompts:     cfg.Prompts,
		invoker:     cfg.Invoker,
		launcher:    cfg.Launcher,
		results:     cfg.Results,
		watermarker: cfg.Watermarker,
		logger:      cfg.Logger,
		pollCeiling: cfg.PollCeiling,
		fineGrained: fine,
	}
}

// Table returns the authoritative state -> handler binding the scheduler
// sweeps over.
func (h *Handlers) Table() map[domain.TaskState]Handler {
	return map[domain.TaskState]Handler{
		domain.StatePending:      h.HandlePending,
		domain.StateDownloading:  h.HandleDownloading,
		domain.StateDownloaded:   h.HandleDownloaded,
		domain.StateAICalling:    h.HandleAICalling,
		domain.StateAIProcessing: h.HandleAIProcessing,
		domain.StateAICompleted:  h.HandleAICompleted,
		domain.StateWatermarking: h.HandleWatermarking,
		domain.StateUploading:    h.HandleUploading,
	}
}

// HandlePending seeds the stateData skeleton. It only fails on storage errors
// upstream; the handler itself cannot.
func (h *Handlers) HandlePending(_ context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	data.Images = nil
	data.ResultImages = nil
	return domain.StateDownloading, &data, nil
}

// HandleDownloading fetches every referenced input image and accumulates the
// transport encoding into stateData. A single image failing is logged and
// omitted; all images failing is a handler failure. The Images slice is
// rebuilt from scratch on every run, so a re-sweep after a crash cannot
// duplicate entries.
func (h *Handlers) HandleDownloading(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	if len(data.InputRefs) == 0 {
		return domain.StateDownloaded, &data, nil
	}

	images := make([]domain.InputImage, 0, len(data.InputRefs))
	for _, ref := range data.InputRefs {
		blob, err := h.store.Download(ctx, ref)
		if err != nil {
			h.logger.Warn().Err(err).Str("task_id", task.ID).Str("ref", ref).Msg("input image download failed, omitting")
			continue
		}
		images = append(images, domain.InputImage{
			Ref:  ref,
			MIME: http.DetectContentType(blob),
			Data: base64.StdEncoding.EncodeToString(blob),
		})
	}
	if len(images) == 0 {
		return "", nil, fmt.Errorf("all %d input downloads failed", len(data.InputRefs))
	}

	data.Images = images
	return domain.StateDownloaded, &data, nil
}

// HandleDownloaded resolves the scene and produces the generation prompt.
// The builder never fails: unknown scenes fall back to a canned default.
func (h *Handlers) HandleDownloaded(_ context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	data.Prompt = h.prompts.Build(prompt.Request{
		Type:    task.Type,
		SceneID: data.SceneID,
		Locale:  data.Locale,
	})
	return domain.StateAICalling, &data, nil
}

// HandleAICalling is the pivotal handler. For fine-grained types it submits
// an async generation and the scheduler keeps driving. For everything else it
// launches an isolated worker fire-and-forget and hands the task off: from
// here only the worker's own writes advance it. A launch timeout is not a
// failure (the worker may already be running); only a definite rejection
// fails the task.
func (h *Handlers) HandleAICalling(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData

	if h.fineGrained[task.Type] {
		requestID, err := h.invoker.Submit(ctx, ai.InvokeRequest{
			Prompt: data.Prompt,
			Images: inputPayload(data.Images),
			TaskID: task.ID,
		})
		if err != nil {
			return "", nil, err
		}
		now := time.Now()
		data.AIRequestID = requestID
		data.AIStartedAt = &now
		return domain.StateAIProcessing, &data, nil
	}

	if err := h.launcher.Launch(ctx, task.ID); err != nil {
		if isLaunchTimeout(err) {
			h.logger.Warn().Err(err).Str("task_id", task.ID).Msg("worker launch timed out, assuming worker is running")
		} else {
			return "", nil, Hard(err)
		}
	}
	data.WorkerStarted = true
	return domain.StateHandedOff, &data, nil
}

// HandleAIProcessing polls the backend in the fallback fine-grained topology.
// Still processing within the ceiling keeps the task in place without burning
// a retry; past the ceiling the generation is declared dead.
func (h *Handlers) HandleAIProcessing(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	res, err := h.invoker.Poll(ctx, data.AIRequestID)
	if err != nil {
		return "", nil, err
	}

	switch res.Status {
	case ai.PollStatusProcessing:
		if data.AIStartedAt != nil && time.Since(*data.AIStartedAt) > h.pollCeiling {
			return "", nil, Hard(fmt.Errorf("generation still processing after %s", h.pollCeiling))
		}
		return task.State, nil, nil
	case ai.PollStatusFailed:
		return "", nil, Hard(fmt.Errorf("generation failed: %s", res.Error))
	case ai.PollStatusSucceeded:
		refs, err := h.uploadGenerated(ctx, task.ID, res.Images)
		if err != nil {
			return "", nil, err
		}
		data.ResultImages = refs
		return domain.StateAICompleted, &data, nil
	default:
		return "", nil, fmt.Errorf("unexpected poll status %q", res.Status)
	}
}

// HandleAICompleted decides whether a watermark pass is needed. The model
// gateway already stamps its output, so this is a pass-through to uploading.
func (h *Handlers) HandleAICompleted(_ context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	return domain.StateUploading, &data, nil
}

// HandleWatermarking re-stamps every generated image through the
// postprocessor and replaces the stored refs. Kept for pipelines whose
// backend returns unstamped output.
func (h *Handlers) HandleWatermarking(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	stamped := make([]string, 0, len(data.ResultImages))
	for i, ref := range data.ResultImages {
		blob, err := h.store.Download(ctx, ref)
		if err != nil {
			return "", nil, fmt.Errorf("fetch %s for watermark: %w", ref, err)
		}
		out, err := h.watermarker.Stamp(ctx, blob)
		if err != nil {
			return "", nil, fmt.Errorf("watermark %s: %w", ref, err)
		}
		newRef, err := h.store.Upload(ctx, out, fmt.Sprintf("tasks/%s/watermarked-%02d.png", task.ID, i+1))
		if err != nil {
			return "", nil, fmt.Errorf("store watermarked %s: %w", ref, err)
		}
		stamped = append(stamped, newRef)
	}
	data.ResultImages = stamped
	return domain.StateUploading, &data, nil
}

// HandleUploading finalizes the result record with the uploaded image refs
// and completes the task. Zero images at this stage is a hard failure.
func (h *Handlers) HandleUploading(ctx context.Context, task *domain.Task) (domain.TaskState, *domain.StateData, error) {
	data := task.StateData
	if len(data.ResultImages) == 0 {
		return "", nil, Hard(fmt.Errorf("no generated images to publish"))
	}
	if err := h.results.Complete(ctx, task.ID, data.ResultImages); err != nil {
		return "", nil, fmt.Errorf("finalize result record: %w", err)
	}
	return domain.StateCompleted, &data, nil
}

// uploadGenerated stores model output under task-scoped keys. The key is
// derived from the task id, so re-running after a crash overwrites rather
// than duplicates.
func (h *Handlers) uploadGenerated(ctx context.Context, taskID string, images []ai.GeneratedImage) ([]string, error) {
	refs := make([]string, 0, len(images))
	for i, img := range images {
		ref, err := h.store.Upload(ctx, img.Data, fmt.Sprintf("tasks/%s/result-%02d%s", taskID, i+1, extensionForMIME(img.MIME)))
		if err != nil {
			return nil, fmt.Errorf("upload generated image %d: %w", i, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func inputPayload(images []domain.InputImage) []string {
	payload := make([]string, 0, len(images))
	for _, img := range images {
		payload = append(payload, img.Data)
	}
	return payload
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
