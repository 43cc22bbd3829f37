// ============================================================================
// runsh 控制器 - 單一訊息處理
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Takes the one message a container is allowed to process, runs
//          the matching workflow and hands the node back.
//
// Per container lifetime:
//   1. Source.Next      queue handoff; PID file held, broker disconnected
//   2. Process          decode → CI or pipelines workflow → console drain
//   3. restartContainer restart <prefix>-<nodeId> whatever the outcome
//
// Message routing:
//   jobId set               → CI workflow, console /jobConsoles
//   payload.buildJobId set  → pipelines workflow, console /buildJobConsoles
//   neither                 → rejected before any API call
//
// Every message carries its own builderApiToken; the API session and the
// console sink are built per message from that token.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/api"
	"github.com/ChuLiYu/runsh/internal/console"
	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/internal/nodelock"
	"github.com/ChuLiYu/runsh/internal/pipeline"
	"github.com/ChuLiYu/runsh/internal/resources"
	"github.com/ChuLiYu/runsh/pkg/types"
)

var (
	// ErrMissingToken is returned for messages without builderApiToken.
	ErrMissingToken = errors.New("controller: message has no builderApiToken")
	// ErrMissingJobID is returned for messages with neither jobId nor
	// payload.buildJobId.
	ErrMissingJobID = errors.New("controller: no jobId/buildJobId present")
	// ErrConsolePending is returned when console batches are still in
	// flight after every drain attempt.
	ErrConsolePending = errors.New("controller: console calls still pending")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Source yields the single accepted message.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Session is the builder API bound to one message token.
type Session interface {
	pipeline.API
	api.ConsolePoster
}

// SessionFactory builds a Session for token.
type SessionFactory func(token string) Session

// Config 控制器設定
type Config struct {
	ExecContainer string // restarted after every job

	Console  console.Options
	Workflow pipeline.Options

	DrainAttempts int           // default 5
	DrainBase     time.Duration // 1s·2^n between attempts, default 1s
}

// Controller 核心控制器
type Controller struct {
	config     Config
	sessions   SessionFactory
	runner     pipeline.ScriptRunner
	lock       pipeline.Lock
	resources  *resources.Registry
	containers nodelock.ContainerController
	logger     *zap.Logger
	metrics    *metrics.Collector
}

// Deps 控制器協作者
type Deps struct {
	Sessions   SessionFactory
	Runner     pipeline.ScriptRunner
	Lock       pipeline.Lock
	Resources  *resources.Registry
	Containers nodelock.ContainerController
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// NewController 建立控制器
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("controller: session factory is required")
	}
	if deps.Runner == nil || deps.Lock == nil {
		return nil, fmt.Errorf("controller: runner and lock are required")
	}
	if config.DrainAttempts <= 0 {
		config.DrainAttempts = 5
	}
	if config.DrainBase <= 0 {
		config.DrainBase = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Resources == nil {
		deps.Resources = resources.Default()
	}
	config.Console.Metrics = deps.Metrics

	return &Controller{
		config:     config,
		sessions:   deps.Sessions,
		runner:     deps.Runner,
		lock:       deps.Lock,
		resources:  deps.Resources,
		containers: deps.Containers,
		logger:     logger.Named("controller"),
		metrics:    deps.Metrics,
	}, nil
}

// ClientSessions returns a factory deriving sessions from base.
func ClientSessions(base *api.Client) SessionFactory {
	return func(token string) Session { return base.WithToken(token) }
}

// ============================================================================
// 主流程
// ============================================================================

// Run waits for one message, processes it and restarts the exec container.
func (c *Controller) Run(ctx context.Context, src Source) error {
	c.logger.Info("waiting for message")
	body, err := src.Next(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive message: %w", err)
	}

	// 已確認的訊息一定要跑完；訊號不中斷任務
	if _, err := c.Process(context.WithoutCancel(ctx), body); err != nil {
		c.logger.Error("message not processed", zap.Error(err))
	}
	c.restartContainer(context.WithoutCancel(ctx))
	return nil
}

// Process decodes body and runs the matching workflow. The PID lock is
// released on every path.
func (c *Controller) Process(ctx context.Context, body []byte) (pipeline.Result, error) {
	msg, err := types.ParseMessage(body)
	if err != nil {
		c.release()
		return pipeline.Result{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.BuilderAPIToken == "" {
		c.release()
		return pipeline.Result{}, ErrMissingToken
	}
	if !msg.HasJobID() {
		c.release()
		return pipeline.Result{}, ErrMissingJobID
	}

	sess := c.sessions(msg.BuilderAPIToken)
	build := msg.IsPipeline()
	jobID := msg.JobID
	if build {
		jobID = msg.Payload.BuildJobID
	}
	logger := c.logger.With(zap.String("jobId", jobID), zap.Bool("pipeline", build))

	consoleOpts := c.config.Console
	consoleOpts.Logger = logger
	adapter := console.NewAdapter(jobID, api.ConsoleSink{Client: sess, Build: build}, consoleOpts)

	wf := pipeline.New(pipeline.Deps{
		API:       sess,
		Runner:    c.runner,
		Lock:      c.lock,
		Resources: c.resources,
		Logger:    logger,
	}, c.config.Workflow)

	logger.Info("processing message")
	var res pipeline.Result
	if build {
		res = wf.RunPipeline(ctx, msg, adapter)
	} else {
		res = wf.RunCI(ctx, msg, adapter)
	}
	c.metrics.RecordJob(string(res.Status), res.Duration.Seconds())

	if err := c.drain(ctx, adapter); err != nil {
		logger.Warn("console not fully delivered", zap.Int64("pending", adapter.PendingCallCount()), zap.Error(err))
	}
	logger.Info("message processed",
		zap.String("status", string(res.Status)),
		zap.Int("statusCode", res.StatusCode),
		zap.Duration("took", res.Duration))
	return res, nil
}

// drainer is the part of the console adapter drain needs.
type drainer interface {
	Flush()
	PendingCallCount() int64
	Close(ctx context.Context) error
}

// drain flushes the console and waits base·2^n between checks until no
// call is pending, retrying at most DrainAttempts times.
func (c *Controller) drain(ctx context.Context, d drainer) error {
	d.Flush()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.DrainBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.config.DrainBase << c.config.DrainAttempts,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	err := backoff.Retry(func() error {
		if n := d.PendingCallCount(); n > 0 {
			c.logger.Debug("waiting for console calls", zap.Int64("pending", n))
			return ErrConsolePending
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.DrainAttempts)), ctx))

	// 已經等夠久；剩下的批次直接放棄
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.DrainBase)
	defer cancel()
	if cerr := d.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (c *Controller) release() {
	if err := c.lock.Release(); err != nil {
		c.logger.Error("failed to remove pid file", zap.Error(err))
	}
}

// restartContainer restarts the exec container; errors are only logged.
func (c *Controller) restartContainer(ctx context.Context) {
	if c.containers == nil || c.config.ExecContainer == "" {
		c.logger.Warn("no exec container configured, skipping restart")
		return
	}
	c.metrics.RecordNodeAction("restart")
	c.logger.Info("restarting exec container", zap.String("container", c.config.ExecContainer))
	if err := c.containers.Restart(ctx, c.config.ExecContainer); err != nil {
		c.logger.Error("failed to restart exec container",
			zap.String("container", c.config.ExecContainer), zap.Error(err))
	}
}
