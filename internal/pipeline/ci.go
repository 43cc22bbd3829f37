package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/script"
	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// RunCI executes a CI job message (one carrying jobId and steps).
//
// Groups written to the console:
//
//	Initializing Job   system codes, job, node, validation, node update, dirs
//	(script groups)    emitted by the mexec script itself
//	Updating Status    PID file removal, job status
func (w *Workflow) RunCI(ctx context.Context, msg *types.Message, con Console) Result {
	j := w.newJob(msg.JobID, con)
	_ = j.tracker.Start()
	j.logger.Info("starting ci job", zap.Int("steps", len(msg.Steps)))

	var sorted []types.CIStep
	api := w.deps.API

	stages := []Stage{
		{Name: "system codes", Run: j.fetchSystemCodes},
		{Name: "get job", Run: func(ctx context.Context) error {
			return j.command("Getting job", func() (string, error) {
				job, err := api.GetJobByID(ctx, msg.JobID)
				if err != nil {
					return "", infraError(fmt.Errorf("failed to get job:%s with err:%w", msg.JobID, err))
				}
				if j.isCancelled(job.StatusCode) {
					j.tracker.Cancel()
					return fmt.Sprintf("Job:%s is canceled/timedout, skipping", msg.JobID), nil
				}
				return "Successfully fetched job", nil
			})
		}},
		{Name: "get node", Run: func(ctx context.Context) error {
			return j.command("Getting node", func() (string, error) {
				if _, err := api.GetNodeByID(ctx, w.opts.SystemNode, w.opts.NodeID); err != nil {
					return "", infraError(fmt.Errorf("failed to get node %s: %w", w.opts.NodeID, err))
				}
				return "Successfully fetched node", nil
			})
		}},
		{Name: "validate message", Run: func(ctx context.Context) error {
			return j.command("Validating incoming message", func() (string, error) {
				if err := ValidateCISteps(msg.Steps); err != nil {
					return "", failure(err)
				}
				return "Successfully validated incoming message", nil
			})
		}},
		{Name: "validate order", Run: func(ctx context.Context) error {
			return j.command("Validating steps order", func() (string, error) {
				sorted = types.SortCISteps(msg.Steps)
				if err := ValidateCIStepOrder(sorted); err != nil {
					return "", failure(err)
				}
				return "Successfully validated steps order", nil
			})
		}},
		{Name: "update node", Run: func(ctx context.Context) error {
			return j.command("Updating node", func() (string, error) {
				update := types.JobUpdate{Node: w.opts.NodeID, StatusCode: j.codes[types.CodeProcessing]}
				if err := api.PutJobByID(ctx, msg.JobID, update); err != nil {
					return "", infraError(fmt.Errorf("failed to :putJobById for jobId: %s, %w", msg.JobID, err))
				}
				return "Successfully updated node in job", nil
			})
		}},
		{Name: "mexec dir", Run: func(ctx context.Context) error {
			return j.command("Creating mexec directory", func() (string, error) {
				if err := os.MkdirAll(w.opts.MexecDir, 0755); err != nil {
					return "", infraError(fmt.Errorf("failed to create dir:%s with err:%w", w.opts.MexecDir, err))
				}
				return "Successfully created mexec directory", nil
			})
		}},
		{Name: "onstart env dir", Run: func(ctx context.Context) error {
			return j.command("Cleaning onStartEnvDir directory", func() (string, error) {
				if err := statefile.EmptyDir(w.opts.OnStartEnvs); err != nil {
					return "", infraError(fmt.Errorf("failed to clean dir:%s with err:%w", w.opts.OnStartEnvs, err))
				}
				return "Successfully cleaned onStartEnvDir directory", nil
			})
		}},
		{Name: "ssh dir", Run: func(ctx context.Context) error {
			err := j.command("Cleaning ssh directory", func() (string, error) {
				if err := statefile.EmptyDir(w.opts.SSHDir); err != nil {
					return "", infraError(fmt.Errorf("failed to clean dir:%s with err:%w", w.opts.SSHDir, err))
				}
				return "Successfully cleaned ssh directory", nil
			})
			if err == nil {
				j.con.CloseGroup(true)
			}
			return err
		}},
		{Name: "execute", Run: func(ctx context.Context) error {
			return w.executeCI(ctx, j, msg, sorted)
		}},
		{Name: "release lock", Tail: true, Run: j.releaseLock},
		{Name: "update status", Tail: true, SkipWhenCancelled: true, Run: func(ctx context.Context) error {
			err := j.updateStatus(ctx, "Updating job status", func(code int) error {
				return api.PutJobByID(ctx, msg.JobID, types.JobUpdate{StatusCode: code})
			})
			if err == nil {
				j.con.CloseGroup(true)
			}
			return err
		}},
	}

	runStages(ctx, j.tracker, j.logger, stages)
	res := j.finish()
	j.logger.Info("ci job finished", zap.String("status", string(res.Status)), zap.Duration("took", res.Duration))
	return res
}

// executeCI writes message.json for cexec and runs the concatenated steps.
func (w *Workflow) executeCI(ctx context.Context, j *job, msg *types.Message, sorted []types.CIStep) error {
	messagePath := filepath.Join(w.opts.CexecDir, "message.json")
	if err := writeMessage(messagePath, msg); err != nil {
		return infraError(fmt.Errorf("failed to write %s: %w", messagePath, err))
	}

	bodies := make([]string, 0, len(sorted))
	for _, s := range sorted {
		bodies = append(bodies, s.Script)
	}

	res, err := w.deps.Runner.Run(ctx, script.Spec{
		ScriptPath: filepath.Join(w.opts.MexecDir, "scriptRunner.sh"),
		Steps:      bodies,
	}, j.con)
	if err != nil {
		j.con.PublishMessage(fmt.Sprintf("failed to execute job script: %v", err))
		return infraError(err)
	}
	if !res.Continue {
		j.logger.Info("script asked not to continue")
	}
	if res.Failed {
		return failure(fmt.Errorf("job script failed with exit code %d", res.ExitCode))
	}
	return nil
}
