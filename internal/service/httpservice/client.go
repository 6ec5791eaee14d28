// Package httpservice is a JSON/HTTP client of the work-distribution
// service. It classifies failures into the service error taxonomy and paces
// requests; retries are left to service.Retrying.
package httpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/banshee-data/crowdloop/internal/httputil"
	"github.com/banshee-data/crowdloop/internal/service"
	"github.com/banshee-data/crowdloop/internal/task"
)

const maxResponseBytes = 32 << 20

// Client talks to the service at BaseURL.
type Client struct {
	baseURL string
	token   string
	http    httputil.HTTPClient
	limiter *rate.Limiter
}

var _ service.Service = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, e.g. with httputil.MockHTTPClient.
func WithHTTPClient(c httputil.HTTPClient) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends an OAuth bearer token with every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithRateLimit paces requests to rps per second. Zero or negative disables
// pacing.
func WithRateLimit(rps float64) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// New creates a client for baseURL (e.g. "https://svc.example/").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewStandardClient(nil),
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// call performs one request. op names the operation in errors. out may be
// nil when the response body is not needed.
func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "OAuth "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &service.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &service.TransientError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	}

	var eb httputil.ErrorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	remote := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	if httputil.IsRetryableStatus(resp.StatusCode) {
		return &service.TransientError{Op: op, Status: resp.StatusCode, Err: remote}
	}
	if sentinel := service.ErrorForCode(eb.Code); sentinel != nil {
		return fmt.Errorf("%s: %s: %w", op, msg, sentinel)
	}
	return fmt.Errorf("%s: %w", op, remote)
}

func batchPath(batchID string, rest ...string) string {
	p := "/v1/batches/" + url.PathEscape(batchID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) CreateItems(ctx context.Context, batchID string, items []service.NewItem, excl service.Exclusions) error {
	if len(items) == 0 {
		return nil
	}
	req := service.CreateItemsRequest{Items: items, Exclusions: excl}
	return c.call(ctx, "create items", http.MethodPost, batchPath(batchID, "items"), req, nil)
}

func (c *Client) ListItems(ctx context.Context, batchID string) ([]service.ItemRecord, error) {
	var out []service.ItemRecord
	err := c.call(ctx, "list items", http.MethodGet, batchPath(batchID, "items"), nil, &out)
	return out, err
}

func (c *Client) ListSubmissions(ctx context.Context, batchID string, statuses ...task.Status) ([]task.Submission, error) {
	path := batchPath(batchID, "submissions")
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", string(s))
		}
		path += "?" + q.Encode()
	}
	var out []task.Submission
	err := c.call(ctx, "list submissions", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SetReplicationTarget(ctx context.Context, batchID, itemID string, n int) error {
	path := batchPath(batchID, "items", url.PathEscape(itemID), "target")
	return c.call(ctx, "set replication target", http.MethodPut, path, service.TargetRequest{Target: n}, nil)
}

func (c *Client) SetSubmissionStatus(ctx context.Context, submissionID string, status task.Status, comment string) error {
	path := "/v1/submissions/" + url.PathEscape(submissionID) + "/status"
	return c.call(ctx, "set submission status", http.MethodPut, path, service.StatusRequest{Status: status, Comment: comment}, nil)
}

func (c *Client) RestrictWorker(ctx context.Context, r service.Restriction) error {
	return c.call(ctx, "restrict worker", http.MethodPost, "/v1/restrictions", r, nil)
}

func (c *Client) GrantBonus(ctx context.Context, b service.Bonus) (service.OperationHandle, error) {
	var out service.OperationResponse
	if err := c.call(ctx, "grant bonus", http.MethodPost, "/v1/bonuses", b, &out); err != nil {
		return "", err
	}
	if out.Handle == "" {
		return "", fmt.Errorf("grant bonus: response has no operation handle")
	}
	return out.Handle, nil
}

func (c *Client) OperationStatus(ctx context.Context, h service.OperationHandle) (service.Operation, error) {
	var out service.Operation
	err := c.call(ctx, "operation status", http.MethodGet, "/v1/operations/"+url.PathEscape(string(h)), nil, &out)
	return out, err
}

func (c *Client) OpenBatch(ctx context.Context, batchID string) error {
	return c.call(ctx, "open batch", http.MethodPost, batchPath(batchID, "open"), nil, nil)
}

func (c *Client) CloseBatch(ctx context.Context, batchID string) error {
	return c.call(ctx, "close batch", http.MethodPost, batchPath(batchID, "close"), nil, nil)
}

func (c *Client) BatchState(ctx context.Context, batchID string) (service.BatchState, error) {
	var out service.BatchResponse
	if err := c.call(ctx, "batch state", http.MethodGet, batchPath(batchID), nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// Assignable lists the items worker may be given in batchID.
func (c *Client) Assignable(ctx context.Context, batchID, worker string) ([]service.ItemRecord, error) {
	path := batchPath(batchID, "assignable") + "?" + url.Values{"worker": {worker}}.Encode()
	var out []service.ItemRecord
	err := c.call(ctx, "assignable", http.MethodGet, path, nil, &out)
	return out, err
}

// Submit posts a worker's answers as one submission.
func (c *Client) Submit(ctx context.Context, batchID string, req service.SubmitRequest) (task.Submission, error) {
	var out task.Submission
	err := c.call(ctx, "submit", http.MethodPost, batchPath(batchID, "submissions"), req, &out)
	return out, err
}
