package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/runsh/pkg/types"
)

// ErrValidation marks message and step validation failures.
var ErrValidation = errors.New("validation failed")

// ValidationError 收集所有驗證問題
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func problemsErr(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// ============================================================================
// CI
// ============================================================================

// ValidateCISteps checks that steps exist, each has an execOrder, and the
// orders form one run without gaps or duplicates.
func ValidateCISteps(steps []types.CIStep) error {
	if len(steps) == 0 {
		return problemsErr([]string{"No steps found"})
	}
	var problems []string
	orders := make([]int, 0, len(steps))
	for _, s := range steps {
		if s.ExecOrder == nil {
			problems = append(problems, fmt.Sprintf("scriptType:%s is missing execOrder", s.ScriptType))
			continue
		}
		orders = append(orders, *s.ExecOrder)
	}
	if len(problems) > 0 {
		return problemsErr(problems)
	}

	sort.Ints(orders)
	for i := 1; i < len(orders); i++ {
		if orders[i] != orders[i-1]+1 {
			problems = append(problems, fmt.Sprintf("execOrder is not contiguous: %d follows %d", orders[i], orders[i-1]))
		}
	}
	return problemsErr(problems)
}

// ValidateCIStepOrder checks sorted steps: the step right after the mexec
// boot step must be a cexec step. Without a boot step the first step is
// checked.
func ValidateCIStepOrder(sorted []types.CIStep) error {
	boot := -1
	for i, s := range sorted {
		if s.Who == types.WhoMexec && s.ScriptType == types.ScriptTypeBoot {
			boot = i
			break
		}
	}

	next := boot + 1
	if next >= len(sorted) {
		return problemsErr([]string{"Missing cexec step after boot step"})
	}
	if sorted[next].Who != types.WhoCexec {
		return problemsErr([]string{"Incorrect ordering of cexec step"})
	}
	return nil
}

// ============================================================================
// Pipelines
// ============================================================================

// ValidatePayload checks the required build job fields.
func ValidatePayload(p *types.Payload) error {
	if p == nil {
		return problemsErr([]string{"Missing payload"})
	}
	var problems []string
	if p.BuildJobID == "" {
		problems = append(problems, "Missing payload.buildJobId")
	}
	if p.PropertyBag == nil {
		problems = append(problems, "Missing payload.propertyBag")
	}
	if p.Dependencies == nil {
		problems = append(problems, "Missing payload.dependencies")
	}
	return problemsErr(problems)
}

// ValidateDependencies checks every dependency's required sub-fields.
func ValidateDependencies(deps []types.Dependency) error {
	var problems []string
	for i, d := range deps {
		who := d.Name
		if who == "" {
			who = fmt.Sprintf("dependencies[%d]", i)
		}
		missing := func(field string) {
			problems = append(problems, fmt.Sprintf("%s is missing: dependency.%s", who, field))
		}
		if d.Name == "" {
			missing("name")
		}
		if d.Operation == "" {
			missing("operation")
		}
		if d.ResourceID == "" {
			missing("resourceId")
		}
		if d.Type == "" {
			missing("type")
		}
		if d.PropertyBag == nil {
			missing("propertyBag")
		}
		if d.Version == nil {
			missing("version")
		} else if d.Version.PropertyBag == nil {
			missing("version.propertyBag")
		}
		if d.IsConsistent == nil {
			missing("isConsistent")
		}
	}
	return problemsErr(problems)
}

// ResolveSteps parses yml.steps and checks every IN/OUT step names a
// dependency with the same operation.
func ResolveSteps(p *types.Payload) ([]types.Step, error) {
	steps, err := types.ParseSteps(p.PropertyBag)
	if err != nil {
		return nil, problemsErr([]string{err.Error()})
	}
	if len(steps) == 0 {
		return nil, problemsErr([]string{"No steps found"})
	}

	var problems []string
	for _, s := range steps {
		if s.Kind != types.StepIN && s.Kind != types.StepOUT {
			continue
		}
		if findDependency(p.Dependencies, string(s.Kind), s.Name) == nil {
			problems = append(problems, fmt.Sprintf("%s step %s has no matching dependency", s.Kind, s.Name))
		}
	}
	return steps, problemsErr(problems)
}

func findDependency(deps []types.Dependency, operation, name string) *types.Dependency {
	for i := range deps {
		if deps[i].Operation == operation && deps[i].Name == name {
			return &deps[i]
		}
	}
	return nil
}
