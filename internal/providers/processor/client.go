// Package processor talks to the remote image-processing API: it submits a
// task for an input image and polls the task until it completes or fails.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shopimage/internal/domain"
	"shopimage/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("processor: api key is required")

// Options configures the processor client.
type Options struct {
	APIKey         string
	BaseURL        string
	Provider       string
	OutputFormat   string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the processor API.
type Client struct {
	apiKey       string
	baseURL      string
	provider     string
	outputFormat string
	httpClient   *http.Client
	logger       infra.Logger
	now          func() time.Time
}

type submitRequest struct {
	TaskID             string `json:"task_id"`
	Provider           string `json:"provider"`
	InputImageAssetURL string `json:"input_image_asset_url"`
	OutputFormat       string `json:"output_format"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	Status   string `json:"status"`
	AssetURL string `json:"asset_url"`
	Error    string `json:"error"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.makeit3d.io"
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = "stability"
	}
	format := strings.TrimSpace(opts.OutputFormat)
	if format == "" {
		format = "png"
	}
	logger := infra.NopLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		provider:     provider,
		outputFormat: format,
		httpClient:   httpClient,
		logger:       infra.Component(logger, "processor"),
		now:          time.Now,
	}, nil
}

// OutputFormat returns the format requested for outputs.
func (c *Client) OutputFormat() string {
	return c.outputFormat
}

// Endpoint maps an operation onto its generate endpoint.
func Endpoint(op domain.Operation) (string, error) {
	switch op {
	case domain.OperationBackgroundRemoval:
		return "remove-background", nil
	case domain.OperationUpscale, domain.OperationDownscale, domain.OperationResize,
		domain.OperationOptimize, domain.OperationAutoCrop:
		return string(op), nil
	default:
		return "", domain.ErrInvalidOperation
	}
}

// Submit starts a remote task. clientTaskID is sent as the task id so a
// retried submission addresses the same remote task. The returned id is the
// one the API echoes back, falling back to clientTaskID.
func (c *Client) Submit(ctx context.Context, op domain.Operation, inputURL, clientTaskID string) (string, error) {
	endpoint, err := Endpoint(op)
	if err != nil {
		return "", &SubmitError{Err: err}
	}
	payload, err := json.Marshal(submitRequest{
		TaskID:             clientTaskID,
		Provider:           c.provider,
		InputImageAssetURL: inputURL,
		OutputFormat:       c.outputFormat,
	})
	if err != nil {
		return "", &SubmitError{Err: fmt.Errorf("encode submit: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &SubmitError{Err: fmt.Errorf("build submit request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &SubmitError{Transient: true, Err: fmt.Errorf("submit: %w", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &SubmitError{
			StatusCode: resp.StatusCode,
			Transient:  isTransientStatus(resp.StatusCode),
			Err:        fmt.Errorf("submit: status %d: %s", resp.StatusCode, snippet(body)),
		}
		if serr.Transient {
			serr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Bool("transient", serr.Transient).
			Str("task_id", clientTaskID).
			Msg("processor: submit rejected")
		return "", serr
	}

	externalID := clientTaskID
	var decoded submitResponse
	if len(body) > 0 && json.Unmarshal(body, &decoded) == nil && strings.TrimSpace(decoded.TaskID) != "" {
		externalID = strings.TrimSpace(decoded.TaskID)
	}
	c.logger.Debug().Str("task_id", externalID).Str("operation", string(op)).Msg("processor: submitted")
	return externalID, nil
}

// PollStatus fetches the current state of a remote task.
func (c *Client) PollStatus(ctx context.Context, externalTaskID string) (PollResult, error) {
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(externalTaskID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PollResult{}, &PollError{Err: fmt.Errorf("build status request: %w", err)}
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return PollResult{}, ctx.Err()
		}
		return PollResult{}, &PollError{Err: fmt.Errorf("status: %w", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PollResult{}, &PollError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status: status %d: %s", resp.StatusCode, snippet(body)),
		}
	}
	var decoded statusResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return PollResult{}, &PollError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode status: %w", err)}
	}
	return translateStatus(decoded), nil
}

// translateStatus folds the API's status vocabulary onto the three states
// the reconciler acts on. Anything not clearly terminal is still pending.
func translateStatus(s statusResponse) PollResult {
	switch strings.ToLower(strings.TrimSpace(s.Status)) {
	case "complete", "completed", "succeeded", "success", "done":
		if strings.TrimSpace(s.AssetURL) == "" {
			return PollResult{State: StateFailed, Reason: "processor reported completion without an asset url"}
		}
		return PollResult{State: StateComplete, AssetURL: strings.TrimSpace(s.AssetURL)}
	case "failed", "error", "cancelled", "canceled":
		reason := strings.TrimSpace(s.Error)
		if reason == "" {
			reason = "processing failed"
		}
		return PollResult{State: StateFailed, Reason: reason}
	default:
		return PollResult{State: StatePending}
	}
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
