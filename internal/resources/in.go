package resources

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ChuLiYu/runsh/internal/statefile"
	"github.com/ChuLiYu/runsh/pkg/types"
)

// DefaultDockerMemory is the dockerOptions memory (MB) when none is set.
const DefaultDockerMemory = 400

// VersionFile is the content of <op>/<name>/version.json.
type VersionFile struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Operation   string         `json:"operation"`
	ResourceID  string         `json:"resourceId"`
	ProjectID   string         `json:"projectId,omitempty"`
	PropertyBag map[string]any `json:"propertyBag,omitempty"`
	Version     *types.Version `json:"version,omitempty"`
}

// WriteVersionFile writes <root>/<operation>/<name>/version.json for dep.
func WriteVersionFile(root string, dep *types.Dependency) (string, error) {
	vf := VersionFile{
		Name:        dep.Name,
		Type:        dep.Type,
		Operation:   dep.Operation,
		ResourceID:  dep.ResourceID,
		PropertyBag: dep.PropertyBag,
		Version:     dep.Version,
	}
	if dep.Version != nil {
		vf.ProjectID = dep.Version.ProjectID
	}
	path := filepath.Join(root, dep.Operation, dep.Name, "version.json")
	if err := statefile.WriteJSON(path, vf); err != nil {
		return "", err
	}
	return path, nil
}

// ============================================================================
// params
// ============================================================================

// paramsIn 寫出 IN/<name>/params，每行 key=value；secure 值原樣寫入
func paramsIn(ctx context.Context, env *Env, dep *types.Dependency) error {
	params, _ := versionBag(dep)["params"].(map[string]any)

	var problems []string
	if params == nil {
		problems = append(problems, "params is missing: dependency.version.propertyBag.params")
	}
	if err := validate(env.Console, problems); err != nil {
		return err
	}

	path := filepath.Join(env.InDir(), dep.Name, "params")
	return runCommand(env.Console, "Writing params", "Successfully wrote params", func() error {
		if err := statefile.WriteFile(path, []byte(FormatParams(params)), 0644); err != nil {
			return fmt.Errorf("failed to write params for %s: %w", dep.Name, err)
		}
		env.logger().Debug("params written", zap.String("path", path), zap.Int("count", len(params)))
		return nil
	})
}

// FormatParams renders params in key order, one "key=value" per line.
// The "secure" entry is written as-is.
func FormatParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if k == "secure" {
			fmt.Fprintf(&b, "%v\n", params[k])
			continue
		}
		fmt.Fprintf(&b, "%s=%v\n", k, params[k])
	}
	return b.String()
}

// ============================================================================
// image / dockerOptions / kickStart
// ============================================================================

func imageIn(ctx context.Context, env *Env, dep *types.Dependency) error {
	var problems []string
	if dep.SourceName == "" {
		problems = append(problems, "image is missing: dependency.sourceName")
	}
	if dep.Version == nil || dep.Version.VersionName == "" {
		problems = append(problems, "image is missing: dependency.version.versionName")
	}
	if dep.VersionDependencyPropertyBag == nil {
		problems = append(problems, "image is missing: dependency.versionDependencyPropertyBag")
	}
	return validate(env.Console, problems)
}

func dockerOptionsIn(ctx context.Context, env *Env, dep *types.Dependency) error {
	if dep.Version == nil {
		dep.Version = &types.Version{}
	}
	if dep.Version.PropertyBag == nil {
		dep.Version.PropertyBag = map[string]any{}
	}
	switch dep.Version.PropertyBag["memory"].(type) {
	case float64, int, int64:
		return nil
	}
	return runCommand(env.Console, "Setting default values", "Successfully set default values", func() error {
		dep.Version.PropertyBag["memory"] = DefaultDockerMemory
		return nil
	})
}

func kickStartIn(ctx context.Context, env *Env, dep *types.Dependency) error {
	var problems []string
	if _, ok := versionBag(dep)["counter"]; !ok {
		problems = append(problems, "kickStart is missing: dependency.version.propertyBag.counter")
	}
	return validate(env.Console, problems)
}
