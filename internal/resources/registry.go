// ============================================================================
// runsh Resources - 依資源類型分派 IN/OUT 處理器
// ============================================================================
//
// Package: internal/resources
// File: registry.go
// Purpose: Maps a dependency's resource type to the handler that prepares
//          it before the TASK (IN) or publishes it afterwards (OUT).
//
// Build directory layout handled here:
//   <root>/IN/<name>/version.json   dependency as received
//   <root>/IN/<name>/params         params resource
//   <root>/IN/<name>/gitRepo/       gitRepo checkout
//   <root>/OUT/<name>/version.json  OUT dependency as received
//   <root>/state/<name>.env         written by the task, read by OUT
//
// ============================================================================

package resources

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/pkg/types"
)

var (
	ErrUnsupportedType   = errors.New("resources: unsupported resource type")
	ErrInvalidDependency = errors.New("resources: invalid dependency")
)

// Console is the subset of the console adapter handlers write to.
type Console interface {
	OpenCommand(name string) (string, error)
	CloseCommand(isSuccess bool)
	PublishMessage(text string)
}

// VersionPoster posts a new resource version.
type VersionPoster interface {
	PostVersion(ctx context.Context, v types.Version) (*types.Version, error)
}

// Env 處理器執行環境
type Env struct {
	Console    Console
	API        VersionPoster
	BuildJobID string
	Root       string // build root, e.g. /build
	Logger     *zap.Logger
}

// InDir is <root>/IN.
func (e *Env) InDir() string { return filepath.Join(e.Root, types.OperationIN) }

// OutDir is <root>/OUT.
func (e *Env) OutDir() string { return filepath.Join(e.Root, types.OperationOUT) }

// StateDir is <root>/state.
func (e *Env) StateDir() string { return filepath.Join(e.Root, "state") }

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// StepFunc handles one dependency. It may update dep in place.
type StepFunc func(ctx context.Context, env *Env, dep *types.Dependency) error

// Handler IN/OUT 處理器；不支援的方向留 nil
type Handler struct {
	In  StepFunc
	Out StepFunc
}

// Registry 資源類型註冊表
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for typ.
func (r *Registry) Register(typ string, h Handler) {
	r.handlers[typ] = h
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the handler for typ and operation (IN/OUT).
//
// 錯誤處理：
//   - ErrUnsupportedType: 未註冊的類型，或該類型不支援此方向
func (r *Registry) Lookup(typ, operation string) (StepFunc, error) {
	h, ok := r.handlers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	var fn StepFunc
	switch operation {
	case types.OperationIN:
		fn = h.In
	case types.OperationOUT:
		fn = h.Out
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedType, operation, typ)
	}
	return fn, nil
}

// Default registers every built-in resource type.
func Default() *Registry {
	r := NewRegistry()
	r.Register("params", Handler{In: paramsIn})
	r.Register("gitRepo", Handler{In: NewGitRepo(nil).In})
	r.Register("image", Handler{In: imageIn, Out: versionOut("image")})
	r.Register("file", Handler{Out: versionOut("file")})
	r.Register("dockerOptions", Handler{In: dockerOptionsIn})
	r.Register("kickStart", Handler{In: kickStartIn})
	r.Register("trigger", Handler{In: noop})
	r.Register("version", Handler{In: noop})
	r.Register("cluster", Handler{In: noop})
	return r
}

func noop(ctx context.Context, env *Env, dep *types.Dependency) error {
	return nil
}

// runCommand wraps fn in a console command: the error text, if any, is
// published before the command closes as failed.
func runCommand(con Console, title, okMsg string, fn func() error) error {
	_, _ = con.OpenCommand(title)
	if err := fn(); err != nil {
		con.PublishMessage(err.Error())
		con.CloseCommand(false)
		return err
	}
	if okMsg != "" {
		con.PublishMessage(okMsg)
	}
	con.CloseCommand(true)
	return nil
}

// validate publishes every problem and fails when there is at least one.
func validate(con Console, problems []string) error {
	_, _ = con.OpenCommand("Validating dependencies")
	if len(problems) > 0 {
		for _, p := range problems {
			con.PublishMessage(p)
		}
		con.CloseCommand(false)
		return fmt.Errorf("%w: %s", ErrInvalidDependency, problems[0])
	}
	con.PublishMessage("Successfully validated dependencies")
	con.CloseCommand(true)
	return nil
}

func versionBag(dep *types.Dependency) map[string]any {
	if dep.Version == nil {
		return nil
	}
	return dep.Version.PropertyBag
}
