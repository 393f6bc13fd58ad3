package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studio-server/internal/domain"
	"studio-server/internal/infra"
)

// Options controls how the model API client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client is an HTTP implementation of Invoker against the model gateway's
// JSON API. Every call carries an explicit timeout through the injected
// http.Client; the gateway's multi-minute generation latency is the reason
// Invoke is restricted to isolated workers.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient validates the options and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("ai: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// Model returns the configured default model selector.
func (c *Client) Model() string {
	return c.model
}

type generateRequest struct {
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	InputImages []string       `json:"input_images,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

type generateResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Images    []struct {
		Data string `json:"data"`
		MIME string `json:"mime"`
	} `json:"images,omitempty"`
	Error string `json:"error,omitempty"`
}

// Invoke runs one synchronous generation and decodes the returned images.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	resp, err := c.post(ctx, "/generate", generateRequest{
		Model:       c.selectModel(req.Model),
		Prompt:      req.Prompt,
		InputImages: req.Images,
		Params:      req.Params,
		RequestID:   req.TaskID,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderFailure, resp.Error)
	}
	images, err := decodeImages(resp)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: backend returned no images", domain.ErrProviderFailure)
	}
	return &InvokeResult{Images: images}, nil
}

// Submit starts an asynchronous generation and returns the backend request id.
func (c *Client) Submit(ctx context.Context, req InvokeRequest) (string, error) {
	resp, err := c.post(ctx, "/generate/async", generateRequest{
		Model:       c.selectModel(req.Model),
		Prompt:      req.Prompt,
		InputImages: req.Images,
		Params:      req.Params,
		RequestID:   req.TaskID,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.RequestID == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrProviderFailure, resp.Error)
	}
	return resp.RequestID, nil
}

// Poll reports the state of a previously submitted generation.
func (c *Client) Poll(ctx context.Context, requestID string) (*PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generate/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case "processing", "queued":
		return &PollResult{Status: PollStatusProcessing}, nil
	case "failed":
		return &PollResult{Status: PollStatusFailed, Error: resp.Error}, nil
	case "succeeded":
		images, err := decodeImages(resp)
		if err != nil {
			return nil, err
		}
		return &PollResult{Status: PollStatusSucceeded, Images: images}, nil
	default:
		return nil, fmt.Errorf("%w: unknown poll status %q", domain.ErrProviderFailure, resp.Status)
	}
}

func (c *Client) selectModel(requested string) string {
	if requested != "" {
		return requested
	}
	return c.model
}

func (c *Client) post(ctx context.Context, path string, payload generateRequest) (*generateResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*generateResponse, error) {
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai backend call: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("ai backend read: %w", err)
	}
	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("ai backend status %d", httpResp.StatusCode)
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("ai backend decode: %w", err)
	}
	if httpResp.StatusCode >= 400 && resp.Error == "" {
		resp.Success = false
		resp.Error = fmt.Sprintf("status %d", httpResp.StatusCode)
	}
	return &resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func decodeImages(resp *generateResponse) ([]GeneratedImage, error) {
	images := make([]GeneratedImage, 0, len(resp.Images))
	for i, img := range resp.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		images = append(images, GeneratedImage{Data: data, MIME: mime})
	}
	return images, nil
}
