package nodelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// ErrNotContinue is returned by Admit when the coordinator says the node
// must not take new work.
var ErrNotContinue = errors.New("nodelock: node action is not continue")

// NodeValidator asks the coordinator what this node should do.
type NodeValidator interface {
	ValidateNode(ctx context.Context, system bool, id string) (types.NodeValidation, error)
}

// WatcherConfig 週期性節點驗證設定
type WatcherConfig struct {
	NodeID     string
	SystemNode bool
	Container  string        // exec container name, also the PID identity
	Interval   time.Duration // default 2m
	Timeout    time.Duration // per check, default 30s
}

// Watcher polls the validate endpoint and applies restart/shutdown actions.
type Watcher struct {
	cfg        WatcherConfig
	lock       *PIDFile
	validator  NodeValidator
	containers ContainerController
	logger     *zap.Logger
	metrics    *metrics.Collector

	cron *cron.Cron
}

// NewWatcher 建立節點監看器
func NewWatcher(cfg WatcherConfig, lock *PIDFile, validator NodeValidator, containers ContainerController, logger *zap.Logger, m *metrics.Collector) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:        cfg,
		lock:       lock,
		validator:  validator,
		containers: containers,
		logger:     logger.Named("nodelock").With(zap.String("nodeId", cfg.NodeID)),
		metrics:    m,
	}
}

// Start schedules Check every Interval.
func (w *Watcher) Start() error {
	w.cron = cron.New()
	spec := fmt.Sprintf("@every %s", w.cfg.Interval)
	if _, err := w.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		w.Check(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule node validation: %w", err)
	}
	w.cron.Start()
	w.logger.Info("node validation scheduled", zap.Duration("interval", w.cfg.Interval))
	return nil
}

// Stop stops scheduling and waits for a running check to finish.
func (w *Watcher) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// action fetches the node action; errors are logged and read as continue.
func (w *Watcher) action(ctx context.Context) types.NodeAction {
	v, err := w.validator.ValidateNode(ctx, w.cfg.SystemNode, w.cfg.NodeID)
	if err != nil {
		w.logger.Warn("failed to validate node, assuming continue", zap.Error(err))
		return types.NodeContinue
	}
	if v.Action == "" {
		return types.NodeContinue
	}
	return v.Action
}

// Check runs one validation round and returns the action observed.
//
// restart/shutdown only act when the PID file holds this node's identity:
// the file is removed first, then the container is restarted or stopped.
func (w *Watcher) Check(ctx context.Context) types.NodeAction {
	action := w.action(ctx)
	w.metrics.RecordNodeAction(string(action))

	switch action {
	case types.NodeRestart, types.NodeShutdown:
	default:
		w.logger.Debug("node action, doing nothing", zap.String("action", string(action)))
		return action
	}

	owner, err := w.lock.Owner()
	if err != nil {
		w.logger.Warn("failed to read pid file", zap.Error(err))
		return action
	}
	if owner != w.cfg.Container {
		w.logger.Info("pid file not owned by this node, skipping action",
			zap.String("action", string(action)), zap.String("owner", owner))
		return action
	}

	if err := w.lock.Release(); err != nil {
		w.logger.Warn("failed to remove pid file", zap.Error(err))
		return action
	}

	if action == types.NodeRestart {
		err = w.containers.Restart(ctx, w.cfg.Container)
	} else {
		err = w.containers.Stop(ctx, w.cfg.Container)
	}
	if err != nil {
		w.logger.Warn("unable to perform node action", zap.String("action", string(action)), zap.Error(err))
	}
	return action
}

// Admit returns nil only when the coordinator answers continue. A failed
// validation call is returned so the message goes back to the queue.
func (w *Watcher) Admit(ctx context.Context) error {
	v, err := w.validator.ValidateNode(ctx, w.cfg.SystemNode, w.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("failed to validate node: %w", err)
	}
	if v.Action != "" && v.Action != types.NodeContinue {
		return fmt.Errorf("%w: %s", ErrNotContinue, v.Action)
	}
	return nil
}
