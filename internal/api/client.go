// ============================================================================
// runsh API Client - builder REST 介面
// ============================================================================
//
// Package: internal/api
// File: client.go
// Purpose: JSON client for the builder API. Every request carries
//          "Authorization: apiToken <token>".
//
// Retry policy:
//   - HTTP 5xx      → retried on a doubling backoff (1s, 2s, ... reset at cap)
//                     until RetryMaxElapsed passes or ctx is done
//   - HTTP 4xx      → returned as *StatusError, not retried
//   - network error → returned, not retried
//
// ============================================================================

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/console"
	"github.com/ChuLiYu/runsh/internal/retry"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Options 客戶端設定
type Options struct {
	Timeout         time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
	Logger          *zap.Logger
	HTTPClient      *http.Client
}

// Client builder API 客戶端
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	opts    Options
	logger  *zap.Logger
}

// New 建立客戶端
func New(baseURL, token string, opts Options) *Client {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 180 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		opts:    opts,
		logger:  logger.Named("api"),
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// ============================================================================
// Endpoints
// ============================================================================

// GetSystemCodes GET /systemCodes
func (c *Client) GetSystemCodes(ctx context.Context) ([]types.SystemCode, error) {
	var codes []types.SystemCode
	err := c.do(ctx, http.MethodGet, "/systemCodes", nil, &codes)
	return codes, err
}

// GetJobByID GET /jobs/:id
func (c *Client) GetJobByID(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PutJobByID PUT /jobs/:id
func (c *Client) PutJobByID(ctx context.Context, id string, update types.JobUpdate) error {
	return c.do(ctx, http.MethodPut, "/jobs/"+id, update, nil)
}

// GetBuildJobByID GET /buildJobs/:id
func (c *Client) GetBuildJobByID(ctx context.Context, id string) (*types.BuildJob, error) {
	var job types.BuildJob
	if err := c.do(ctx, http.MethodGet, "/buildJobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PutBuildJobByID PUT /buildJobs/:id
func (c *Client) PutBuildJobByID(ctx context.Context, id string, update types.JobUpdate) error {
	return c.do(ctx, http.MethodPut, "/buildJobs/"+id, update, nil)
}

func nodePath(system bool, id string) string {
	if system {
		return "/systemNodes/" + id
	}
	return "/clusterNodes/" + id
}

// GetNodeByID GET /clusterNodes/:id or /systemNodes/:id
func (c *Client) GetNodeByID(ctx context.Context, system bool, id string) (*types.Node, error) {
	var node types.Node
	if err := c.do(ctx, http.MethodGet, nodePath(system, id), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// ValidateNode GET /clusterNodes/:id/validate (or /systemNodes/:id/validate)
func (c *Client) ValidateNode(ctx context.Context, system bool, id string) (types.NodeValidation, error) {
	var v types.NodeValidation
	err := c.do(ctx, http.MethodGet, nodePath(system, id)+"/validate", nil, &v)
	return v, err
}

// PostVersion POST /versions
func (c *Client) PostVersion(ctx context.Context, v types.Version) (*types.Version, error) {
	var out types.Version
	if err := c.do(ctx, http.MethodPost, "/versions", v, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostNotification POST /buildJobs/:id/notifications
func (c *Client) PostNotification(ctx context.Context, n types.Notification) error {
	return c.do(ctx, http.MethodPost, "/buildJobs/"+n.BuildJobID+"/notifications", n, nil)
}

// PostJobConsoles POST /jobConsoles
func (c *Client) PostJobConsoles(ctx context.Context, batch console.Batch) error {
	return c.do(ctx, http.MethodPost, "/jobConsoles", batch, nil)
}

// PostBuildJobConsoles POST /buildJobConsoles
func (c *Client) PostBuildJobConsoles(ctx context.Context, batch console.Batch) error {
	return c.do(ctx, http.MethodPost, "/buildJobConsoles", batch, nil)
}

// ConsolePoster posts console batches; *Client implements it.
type ConsolePoster interface {
	PostJobConsoles(ctx context.Context, batch console.Batch) error
	PostBuildJobConsoles(ctx context.Context, batch console.Batch) error
}

// ConsoleSink adapts a ConsolePoster to console.Sink.
type ConsoleSink struct {
	Client ConsolePoster
	Build  bool // post to /buildJobConsoles instead of /jobConsoles
}

// PostConsoles implements console.Sink.
func (s ConsoleSink) PostConsoles(ctx context.Context, batch console.Batch) error {
	if s.Build {
		return s.Client.PostBuildJobConsoles(ctx, batch)
	}
	return s.Client.PostJobConsoles(ctx, batch)
}

// ============================================================================
// 通用請求
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = data
	}

	url := c.baseURL + path
	started := time.Now()
	var body []byte

	op := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Authorization", "apiToken "+c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: %w", method, url, err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response: %w", err))
		}

		c.logger.Debug("api call",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.Duration("took", time.Since(started)))

		if resp.StatusCode > 299 {
			se := &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(data)}
			if resp.StatusCode < 500 {
				return backoff.Permanent(se)
			}
			if c.opts.RetryMaxElapsed > 0 && time.Since(started) > c.opts.RetryMaxElapsed {
				return backoff.Permanent(se)
			}
			return se
		}
		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Error("api call failed, retrying",
			zap.String("method", method),
			zap.String("url", url),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	b := retry.NewDoubling(c.opts.RetryInitial, c.opts.RetryMax)
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse %s %s response: %w", method, url, err)
		}
	}
	return nil
}
