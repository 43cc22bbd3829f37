// ============================================================================
// runsh Script Runner - 執行腳本並解析標記
// ============================================================================
//
// Package: internal/script
// File: runner.go
// Purpose: Runs a job script as a child process and turns its combined
//          output into console calls.
//
// Flow:
//   1. (multi-step) concatenate step bodies into Spec.ScriptPath (0755)
//   2. spawn /bin/bash -c "<path> 2>&1"; stdout and stderr share one pipe
//   3. read lines in order, drop empty ones, classify each line
//   4. dispatch: group/cmd markers → open/close, everything else → message
//   5. on exit compute Result
//
// Result:
//   single-script  Failed = exit code != 0
//   multi-step     Failed = failure marker seen || exit code != 0
//                  Continue = should-not-continue marker not seen
//
// A running child is never killed on context cancellation; ctx only guards
// the spawn.
//
// ============================================================================

package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/statefile"
)

var ErrMissingScript = errors.New("script: missing script path")

// Console is the subset of the console adapter the runner drives.
type Console interface {
	OpenGroupShown(name string, shown bool) (string, error)
	CloseGroup(isSuccess bool)
	OpenCommand(name string) (string, error)
	CloseCommand(isSuccess bool)
	PublishMessage(text string)
}

// Spec describes one invocation.
type Spec struct {
	ScriptPath string
	// Steps, when non-empty, are written to ScriptPath in order before the
	// run and enable multi-step result semantics.
	Steps []string
	Dir   string
	Env   []string
}

// Result 執行結果
type Result struct {
	ExitCode int
	Failed   bool
	Continue bool
}

// Runner 腳本執行器
type Runner struct {
	shell      string
	classifier LineClassifier
	logger     *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClassifier replaces the marker classifier.
func WithClassifier(c LineClassifier) Option {
	return func(r *Runner) { r.classifier = c }
}

// WithShell replaces /bin/bash.
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// NewRunner 建立執行器
func NewRunner(logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		shell:      "/bin/bash",
		classifier: MarkerClassifier{},
		logger:     logger.Named("script"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes spec and streams its output into con.
//
// Errors are returned only when the process could not be started; a script
// that runs and exits non-zero yields a failing Result and a nil error.
func (r *Runner) Run(ctx context.Context, spec Spec, con Console) (Result, error) {
	if spec.ScriptPath == "" {
		return Result{}, ErrMissingScript
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	multi := len(spec.Steps) > 0
	if multi {
		if err := statefile.WriteExecutable(spec.ScriptPath, JoinSteps(spec.Steps)); err != nil {
			return Result{}, fmt.Errorf("failed to write script: %w", err)
		}
	}
	if _, err := os.Stat(spec.ScriptPath); err != nil {
		return Result{}, fmt.Errorf("script not found: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to create pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.Command(r.shell, "-c", spec.ScriptPath+" 2>&1")
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return Result{}, fmt.Errorf("failed to start script: %w", err)
	}
	// 子程序持有寫端；父程序關閉後才能讀到 EOF
	pw.Close()

	r.logger.Debug("script started", zap.String("path", spec.ScriptPath), zap.Int("pid", cmd.Process.Pid))

	st := &streamState{}
	readErr := r.consume(pr, con, st)
	waitErr := cmd.Wait()

	res := Result{Continue: true}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{}, fmt.Errorf("failed waiting for script: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	if readErr != nil {
		r.logger.Warn("output stream ended with error", zap.Error(readErr))
	}

	res.Failed = res.ExitCode != 0
	if multi {
		res.Failed = res.Failed || st.failed
		res.Continue = !st.stop
	}

	r.logger.Debug("script exited",
		zap.String("path", spec.ScriptPath),
		zap.Int("exitCode", res.ExitCode),
		zap.Bool("failed", res.Failed))
	return res, nil
}

type streamState struct {
	failed bool
	stop   bool
}

func (r *Runner) consume(src io.Reader, con Console, st *streamState) error {
	reader := bufio.NewReader(src)
	for {
		raw, err := reader.ReadString('\n')
		if line := strings.TrimRight(raw, "\r\n"); line != "" {
			r.dispatch(line, con, st)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) dispatch(raw string, con Console, st *streamState) {
	line := r.classifier.Classify(raw)
	switch line.Kind {
	case LineGroupStart:
		if _, err := con.OpenGroupShown(line.Name, line.Shown); err != nil {
			con.PublishMessage(raw)
		}
	case LineGroupEnd:
		con.CloseGroup(line.Success)
	case LineCmdStart:
		if _, err := con.OpenCommand(line.Name); err != nil {
			con.PublishMessage(raw)
		}
	case LineCmdEnd:
		con.CloseCommand(line.Success)
	case LineScriptEndFailure:
		st.failed = true
	case LineShouldNotContinue:
		st.stop = true
	default:
		con.PublishMessage(raw)
	}
}

// JoinSteps concatenates step bodies into one bash script.
func JoinSteps(steps []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	for _, s := range steps {
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
