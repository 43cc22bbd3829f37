package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/jobstate"
	"github.com/ChuLiYu/runsh/internal/resources"
	"github.com/ChuLiYu/runsh/internal/script"
	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// API is the builder API the workflows call.
type API interface {
	GetSystemCodes(ctx context.Context) ([]types.SystemCode, error)
	GetJobByID(ctx context.Context, id string) (*types.Job, error)
	PutJobByID(ctx context.Context, id string, update types.JobUpdate) error
	GetBuildJobByID(ctx context.Context, id string) (*types.BuildJob, error)
	PutBuildJobByID(ctx context.Context, id string, update types.JobUpdate) error
	GetNodeByID(ctx context.Context, system bool, id string) (*types.Node, error)
	PostVersion(ctx context.Context, v types.Version) (*types.Version, error)
	PostNotification(ctx context.Context, n types.Notification) error
}

// Console is the console adapter surface used by workflows.
type Console interface {
	script.Console
	OpenGroup(name string) (string, error)
}

// ScriptRunner runs a job script into a console.
type ScriptRunner interface {
	Run(ctx context.Context, spec script.Spec, con script.Console) (script.Result, error)
}

// Lock is the node PID lock released at the end of every job.
type Lock interface {
	Release() error
}

// Options 工作流程設定
type Options struct {
	NodeID     string
	SystemNode bool

	// CI
	MexecDir    string // scriptRunner.sh
	CexecDir    string // message.json
	SSHDir      string
	OnStartEnvs string

	// pipelines
	BuildRoot       string
	SubscriptionKey string
}

// Deps 工作流程的協作者
type Deps struct {
	API       API
	Runner    ScriptRunner
	Lock      Lock
	Resources *resources.Registry
	Logger    *zap.Logger
}

// Result is the terminal outcome of one job.
type Result struct {
	Status     types.JobStatus
	StatusCode int
	Cause      error
	Duration   time.Duration
}

// Workflow runs CI and pipelines jobs.
type Workflow struct {
	deps Deps
	opts Options
}

// New 建立工作流程
func New(deps Deps, opts Options) *Workflow {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Resources == nil {
		deps.Resources = resources.Default()
	}
	return &Workflow{deps: deps, opts: opts}
}

// ScriptsPath is <buildRoot>/managed/scripts.sh.
func (o Options) ScriptsPath() string { return filepath.Join(o.BuildRoot, "managed", "scripts.sh") }

// ExecPath is <buildRoot>/managed/exec.sh.
func (o Options) ExecPath() string { return filepath.Join(o.BuildRoot, "managed", "exec.sh") }

// MessagePath is <buildRoot>/message.json.
func (o Options) MessagePath() string { return filepath.Join(o.BuildRoot, "message.json") }

// writeMessage 寫出原始訊息；沒有原始內容時重新編碼
func writeMessage(path string, msg *types.Message) error {
	if len(msg.Raw) == 0 {
		return statefile.WriteJSON(path, msg)
	}
	return statefile.WriteFile(path, msg.Raw, 0644)
}

// ============================================================================
// 單一任務執行狀態
// ============================================================================

// job 一次執行的共用狀態
type job struct {
	w       *Workflow
	con     Console
	tracker *jobstate.Tracker
	codes   types.StatusCodes
	logger  *zap.Logger
}

func (w *Workflow) newJob(id string, con Console) *job {
	return &job{
		w:       w,
		con:     con,
		tracker: jobstate.New(id),
		codes:   types.NewStatusCodes(nil),
		logger:  w.deps.Logger.Named("pipeline").With(zap.String("jobId", id)),
	}
}

// command runs fn as one console command. fn returns the success message.
// On error the message is published and both the command and the group
// are closed as failed.
func (j *job) command(title string, fn func() (string, error)) error {
	_, _ = j.con.OpenCommand(title)
	msg, err := fn()
	if err != nil {
		j.publishError(err)
		j.con.CloseCommand(false)
		j.con.CloseGroup(false)
		return err
	}
	if msg != "" {
		j.con.PublishMessage(msg)
	}
	j.con.CloseCommand(true)
	return nil
}

// publishError 把錯誤寫到 console；驗證錯誤逐條輸出
func (j *job) publishError(err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, p := range ve.Problems {
			j.con.PublishMessage(p)
		}
		return
	}
	var se *StageError
	if errors.As(err, &se) {
		err = se.Err
	}
	j.con.PublishMessage(err.Error())
}

// isCancelled reports whether a remote status code means canceled/timed out.
func (j *job) isCancelled(code int) bool {
	return code == j.codes[types.CodeCanceled] || code == j.codes[types.CodeTimeout]
}

// fetchSystemCodes 取得系統代碼；失敗時沿用預設表以便仍能回報終態
func (j *job) fetchSystemCodes(ctx context.Context) error {
	_, _ = j.con.OpenGroup("Initializing Job")
	return j.command("Getting system codes", func() (string, error) {
		codes, err := j.w.deps.API.GetSystemCodes(ctx)
		if err != nil {
			return "", infraError(fmt.Errorf("failed to get system codes: %w", err))
		}
		j.codes = types.NewStatusCodes(codes)
		return "Successfully fetched system codes", nil
	})
}

// releaseLock 開啟 Updating Status 群組並移除 PID 檔；always closes as success.
func (j *job) releaseLock(ctx context.Context) error {
	_, _ = j.con.OpenGroup("Updating Status")
	_, _ = j.con.OpenCommand("Removing PID File")
	if err := j.w.deps.Lock.Release(); err != nil {
		j.con.PublishMessage(fmt.Sprintf("Failed to delete job.pid file with err:%v", err))
		j.con.CloseCommand(true)
		return logOnly(err)
	}
	j.con.PublishMessage("Successfully removed PID file")
	j.con.CloseCommand(true)
	return nil
}

// finish 計算終態與對應代碼
func (j *job) finish() Result {
	status := j.tracker.Finalize()
	return Result{
		Status:     status,
		StatusCode: j.codes[types.CodeFor(status)],
		Cause:      j.tracker.Cause(),
		Duration:   j.tracker.Duration(),
	}
}

// updateStatus PUTs the terminal status code through put.
func (j *job) updateStatus(ctx context.Context, title string, put func(code int) error) error {
	status := j.tracker.Finalize()
	code := j.codes[types.CodeFor(status)]

	_, _ = j.con.OpenCommand(title)
	if err := put(code); err != nil {
		j.con.PublishMessage(fmt.Sprintf("failed to update status to %s: %v", types.CodeFor(status), err))
		j.con.CloseCommand(false)
		j.con.CloseGroup(false)
		return logOnly(err)
	}
	j.con.PublishMessage("Successfully updated job status")
	j.con.CloseCommand(true)
	return nil
}
