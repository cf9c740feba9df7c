package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ClientConfig configures the HTTP gateway client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the HTTP implementation of Gateway. It performs exactly one
// attempt per call; retry scheduling belongs to the sync engine, which owns
// the backoff state in the outbox.
type Client struct {
	http   *resty.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient builds a gateway client against the given backend.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &Client{
		http:   hc,
		logger: logger,
		token:  cfg.Token,
	}
}

// SetToken replaces the session token after a refresh.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	r := c.http.R().SetContext(ctx)
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

// ApplyMutation implements Gateway.
func (c *Client) ApplyMutation(ctx context.Context, req MutationRequest) (*ServerState, error) {
	const op = "apply mutation"
	resp, err := c.request(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		Post("/v1/mutations")
	if err != nil {
		return nil, &RetryableError{Op: op, Err: err}
	}

	switch {
	case resp.IsSuccess():
		var state ServerState
		if err := json.Unmarshal(resp.Body(), &state); err != nil {
			return nil, &RetryableError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
		return &state, nil

	case resp.StatusCode() == http.StatusConflict:
		var state ServerState
		if err := json.Unmarshal(resp.Body(), &state); err != nil {
			return nil, &RetryableError{Op: op, Err: fmt.Errorf("failed to decode conflict body: %w", err)}
		}
		return nil, &ConflictError{Op: op, Server: &state}

	case retryableStatus(resp.StatusCode()):
		return nil, &RetryableError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), errorMessage(resp))}

	default:
		return nil, &PermanentError{Op: op, StatusCode: resp.StatusCode(), Message: errorMessage(resp)}
	}
}

// FetchReferenceData implements Gateway.
func (c *Client) FetchReferenceData(ctx context.Context, scope ReferenceScope) (*ReferenceSnapshot, error) {
	const op = "fetch reference data"
	resp, err := c.request(ctx).
		SetQueryParams(map[string]string{
			"caregiver_id": scope.CaregiverID,
			"date":         scope.Date,
		}).
		Get("/v1/reference")
	if err != nil {
		return nil, &RetryableError{Op: op, Err: err}
	}
	if !resp.IsSuccess() {
		if retryableStatus(resp.StatusCode()) {
			return nil, &RetryableError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), errorMessage(resp))}
		}
		return nil, &PermanentError{Op: op, StatusCode: resp.StatusCode(), Message: errorMessage(resp)}
	}
	var snap ReferenceSnapshot
	if err := json.Unmarshal(resp.Body(), &snap); err != nil {
		return nil, &RetryableError{Op: op, Err: fmt.Errorf("failed to decode snapshot: %w", err)}
	}
	return &snap, nil
}

// Ping implements Gateway.
func (c *Client) Ping(ctx context.Context) error {
	const op = "ping"
	resp, err := c.request(ctx).Get("/v1/health")
	if err != nil {
		return &RetryableError{Op: op, Err: err}
	}
	if !resp.IsSuccess() {
		return &RetryableError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	return nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// errorMessage pulls a server-provided message out of an error body when
// there is one, falling back to the raw body.
func errorMessage(resp *resty.Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	msg := string(resp.Body())
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
