package ai

import "context"

// PollStatus reports where an asynchronous generation stands.
type PollStatus string

const (
	PollStatusProcessing PollStatus = "processing"
	PollStatusSucceeded  PollStatus = "succeeded"
	PollStatusFailed     PollStatus = "failed"
)

// InvokeRequest carries everything the model backend needs for one generation.
type InvokeRequest struct {
	Model  string
	Prompt string
	// Images are base64-encoded source images (try-on garment shots, user
	// photos). May be empty for text-only pipelines.
	Images []string
	Params map[string]any
	// TaskID is forwarded as the idempotency key for the backend call.
	TaskID string
}

// GeneratedImage is one model output.
type GeneratedImage struct {
	Data []byte
	MIME string
}

// InvokeResult is the normalized backend response.
type InvokeResult struct {
	Images []GeneratedImage
}

// PollResult is the state of a previously submitted generation.
type PollResult struct {
	Status PollStatus
	Images []GeneratedImage
	Error  string
}

// Invoker abstracts the external image model API. Invoke blocks for the whole
// generation and is only called from isolated workers; Submit/Poll back the
// scheduler-driven fallback pipeline, whose handlers must return quickly.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
	Submit(ctx context.Context, req InvokeRequest) (requestID string, err error)
	Poll(ctx context.Context, requestID string) (*PollResult, error)
}
