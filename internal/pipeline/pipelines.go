package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/resources"
	"github.com/ChuLiYu/runsh/internal/script"
	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// buildDirs 每個任務重建的工作目錄
var buildDirs = []string{types.OperationIN, types.OperationOUT, "state", "managed"}

// RunPipeline executes a build job message (one carrying payload.buildJobId).
//
// Validation is fail-fast: a bad payload or dependency runs no step. Steps
// then run in declaration order, each in its own console group. IN/OUT
// failures halt the remaining steps; a TASK failure does not.
func (w *Workflow) RunPipeline(ctx context.Context, msg *types.Message, con Console) Result {
	payload := msg.Payload
	id := ""
	if payload != nil {
		id = payload.BuildJobID
	}
	j := w.newJob(id, con)
	_ = j.tracker.Start()

	api := w.deps.API
	var steps []types.Step

	stages := []Stage{
		{Name: "validate message", Run: func(ctx context.Context) error {
			_, _ = con.OpenGroup("Initializing Job")
			return j.command("Validating incoming message", func() (string, error) {
				if err := ValidatePayload(payload); err != nil {
					return "", failure(err)
				}
				return "Successfully validated incoming message", nil
			})
		}},
		{Name: "system codes", Run: func(ctx context.Context) error {
			return j.command("Getting system codes", func() (string, error) {
				codes, err := api.GetSystemCodes(ctx)
				if err != nil {
					return "", infraError(fmt.Errorf("failed to get system codes: %w", err))
				}
				j.codes = types.NewStatusCodes(codes)
				return "Successfully fetched system codes", nil
			})
		}},
		{Name: "get build job", Run: func(ctx context.Context) error {
			return j.command("Getting build job", func() (string, error) {
				bj, err := api.GetBuildJobByID(ctx, id)
				if err != nil {
					return "", infraError(fmt.Errorf("failed to get buildJob:%s with err:%w", id, err))
				}
				if j.isCancelled(bj.StatusCode) {
					j.tracker.Cancel()
					return fmt.Sprintf("BuildJob:%s is canceled/timedout, skipping", id), nil
				}
				return "Successfully fetched build job", nil
			})
		}},
		{Name: "validate dependencies", Run: func(ctx context.Context) error {
			return j.command("Validating dependencies", func() (string, error) {
				if err := ValidateDependencies(payload.Dependencies); err != nil {
					return "", failure(err)
				}
				return "Successfully validated dependencies", nil
			})
		}},
		{Name: "resolve steps", Run: func(ctx context.Context) error {
			return j.command("Resolving steps", func() (string, error) {
				resolved, err := ResolveSteps(payload)
				if err != nil {
					return "", failure(err)
				}
				steps = resolved
				return fmt.Sprintf("Successfully resolved %d steps", len(steps)), nil
			})
		}},
		{Name: "update build job", Run: func(ctx context.Context) error {
			return j.command("Updating build job", func() (string, error) {
				update := types.JobUpdate{Node: w.opts.NodeID, StatusCode: j.codes[types.CodeProcessing]}
				if err := api.PutBuildJobByID(ctx, id, update); err != nil {
					return "", infraError(fmt.Errorf("failed to :putBuildJobById for buildJobId: %s, %w", id, err))
				}
				return "Successfully updated build job", nil
			})
		}},
		{Name: "prepare build dir", Run: func(ctx context.Context) error {
			return j.command("Preparing build directory", func() (string, error) {
				if err := w.prepareBuildDir(msg); err != nil {
					return "", infraError(err)
				}
				return "Successfully prepared " + w.opts.BuildRoot, nil
			})
		}},
		{Name: "on_start", Run: func(ctx context.Context) error {
			err := j.notify(ctx, steps, id, types.NotifyOnStart)
			con.CloseGroup(true)
			return err
		}},
		{Name: "steps", Run: func(ctx context.Context) error {
			return w.runSteps(ctx, j, payload, steps)
		}},
		{Name: "release lock", Tail: true, Run: j.releaseLock},
		{Name: "update status", Tail: true, SkipWhenCancelled: true, Run: func(ctx context.Context) error {
			if id == "" {
				return logOnly(errors.New("no buildJobId, status not reported"))
			}
			return j.updateStatus(ctx, "Updating build job status", func(code int) error {
				return api.PutBuildJobByID(ctx, id, types.JobUpdate{StatusCode: code})
			})
		}},
		{Name: "notifications", Tail: true, SkipWhenCancelled: true, Run: func(ctx context.Context) error {
			event := types.NotifyOnSuccess
			if j.tracker.Finalize() != types.StatusSuccess {
				event = types.NotifyOnFailure
			}
			err := j.notify(ctx, steps, id, event)
			con.CloseGroup(true)
			return err
		}},
	}

	runStages(ctx, j.tracker, j.logger, stages)
	res := j.finish()
	j.logger.Info("build job finished", zap.String("status", string(res.Status)), zap.Duration("took", res.Duration))
	return res
}

// RunManagedTasks runs only the TASK and script steps of a build job
// against an existing build dir. No API call is made; the first failing
// task stops the run.
func (w *Workflow) RunManagedTasks(ctx context.Context, msg *types.Message, con Console) error {
	if err := ValidatePayload(msg.Payload); err != nil {
		return err
	}
	steps, err := ResolveSteps(msg.Payload)
	if err != nil {
		return err
	}

	j := w.newJob(msg.Payload.BuildJobID, con)
	for _, s := range steps {
		if s.Kind != types.StepTASK && s.Kind != types.StepScript {
			continue
		}
		_, _ = con.OpenGroup(s.Label())
		err := w.runTask(ctx, j, s)
		con.CloseGroup(err == nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// prepareBuildDir resets the build dirs and writes message.json plus one
// version.json per dependency.
func (w *Workflow) prepareBuildDir(msg *types.Message) error {
	root := w.opts.BuildRoot
	for _, d := range buildDirs {
		if err := statefile.ResetDir(filepath.Join(root, d)); err != nil {
			return err
		}
	}
	if err := writeMessage(w.opts.MessagePath(), msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	for i := range msg.Payload.Dependencies {
		if _, err := resources.WriteVersionFile(root, &msg.Payload.Dependencies[i]); err != nil {
			return fmt.Errorf("failed to write version for %s: %w", msg.Payload.Dependencies[i].Name, err)
		}
	}
	return nil
}

// notify posts event for every NOTIFY step. Failures are log-only.
func (j *job) notify(ctx context.Context, steps []types.Step, buildJobID, event string) error {
	var errs []error
	for _, s := range steps {
		if s.Kind != types.StepNOTIFY {
			continue
		}
		n := types.Notification{BuildJobID: buildJobID, ResourceName: s.Name, Event: event}
		_, _ = j.con.OpenCommand(fmt.Sprintf("Sending %s notification %s", event, s.Name))
		if err := j.w.deps.API.PostNotification(ctx, n); err != nil {
			j.con.PublishMessage(fmt.Sprintf("failed to send notification %s: %v", s.Name, err))
			j.con.CloseCommand(false)
			errs = append(errs, err)
			continue
		}
		j.con.PublishMessage("Successfully sent notification " + s.Name)
		j.con.CloseCommand(true)
	}
	if len(errs) > 0 {
		return logOnly(errors.Join(errs...))
	}
	return nil
}

// runSteps 依宣告順序執行步驟；IN/OUT 失敗時停止，TASK 失敗只記錄
func (w *Workflow) runSteps(ctx context.Context, j *job, payload *types.Payload, steps []types.Step) error {
	for _, s := range steps {
		if s.Kind == types.StepNOTIFY {
			continue
		}

		_, _ = j.con.OpenGroup(s.Label())
		var err error
		switch s.Kind {
		case types.StepIN, types.StepOUT:
			err = w.runDependency(ctx, j, payload, s)
		case types.StepTASK, types.StepScript:
			err = w.runTask(ctx, j, s)
		}
		j.con.CloseGroup(err == nil)

		if err == nil {
			continue
		}
		var se *StageError
		if errors.As(err, &se) && se.Severity == NonFatal {
			j.logger.Warn("managed task failed", zap.String("step", s.Label()), zap.Error(se.Err))
			record(j.tracker, se)
			continue
		}
		return err
	}
	return nil
}

func (w *Workflow) runDependency(ctx context.Context, j *job, payload *types.Payload, s types.Step) error {
	dep := findDependency(payload.Dependencies, string(s.Kind), s.Name)
	if dep == nil {
		return failure(fmt.Errorf("%s step %s has no matching dependency", s.Kind, s.Name))
	}

	handler, err := w.deps.Resources.Lookup(dep.Type, dep.Operation)
	if err != nil {
		j.con.PublishMessage(err.Error())
		return failure(err)
	}

	env := &resources.Env{
		Console:    j.con,
		API:        w.deps.API,
		BuildJobID: payload.BuildJobID,
		Root:       w.opts.BuildRoot,
		Logger:     j.logger,
	}
	if err := handler(ctx, env, dep); err != nil {
		if errors.Is(err, resources.ErrInvalidDependency) {
			return failure(err)
		}
		return infraError(err)
	}
	return nil
}

// runTask 產生 scripts.sh 與 exec.sh 並執行
func (w *Workflow) runTask(ctx context.Context, j *job, s types.Step) error {
	body, err := script.RenderTaskScript(s.Scripts)
	if err != nil {
		return infraError(err)
	}
	if err := statefile.WriteExecutable(w.opts.ScriptsPath(), body); err != nil {
		return infraError(fmt.Errorf("failed to write scripts: %w", err))
	}

	key := ""
	if w.opts.SubscriptionKey != "" && statefile.Exists(w.opts.SubscriptionKey) {
		key = w.opts.SubscriptionKey
	}
	if err := statefile.WriteExecutable(w.opts.ExecPath(), script.RenderExecScript(w.opts.ScriptsPath(), key)); err != nil {
		return infraError(fmt.Errorf("failed to write exec script: %w", err))
	}

	res, err := w.deps.Runner.Run(ctx, script.Spec{
		ScriptPath: w.opts.ExecPath(),
		Dir:        w.opts.BuildRoot,
	}, j.con)
	if err != nil {
		j.con.PublishMessage(fmt.Sprintf("failed to execute task: %v", err))
		return infraError(err)
	}
	if res.Failed {
		return softFailure(fmt.Errorf("managed task failed with exit code %d", res.ExitCode))
	}
	return nil
}
