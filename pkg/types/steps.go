package types

import (
	"fmt"
)

// StepKind 管線步驟種類
type StepKind string

const (
	StepIN     StepKind = "IN"
	StepOUT    StepKind = "OUT"
	StepTASK   StepKind = "TASK"
	StepNOTIFY StepKind = "NOTIFY"
	StepScript StepKind = "script"
)

// Step 一個管線步驟。IN/OUT/NOTIFY 使用 Name，TASK 與 script 使用 Scripts
type Step struct {
	Kind    StepKind
	Name    string
	Scripts []string
}

// Label is the console group title of the step.
func (s Step) Label() string {
	if s.Name == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s %s", s.Kind, s.Name)
}

// ParseSteps reads propertyBag.yml.steps. Each entry is a single-key map:
//
//	- IN: repo
//	- TASK:
//	    - script: make test
//	- OUT: image
//	- NOTIFY: slack
//	- script: echo raw
func ParseSteps(propertyBag map[string]any) ([]Step, error) {
	yml, _ := propertyBag["yml"].(map[string]any)
	if yml == nil {
		return nil, nil
	}
	rawSteps, _ := yml["steps"].([]any)

	steps := make([]Step, 0, len(rawSteps))
	for i, raw := range rawSteps {
		entry, ok := raw.(map[string]any)
		if !ok || len(entry) != 1 {
			return nil, fmt.Errorf("step %d: expected a single-key map", i)
		}
		for key, value := range entry {
			step, err := parseStep(key, value)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func parseStep(key string, value any) (Step, error) {
	switch StepKind(key) {
	case StepIN, StepOUT, StepNOTIFY:
		name, ok := value.(string)
		if !ok || name == "" {
			return Step{}, fmt.Errorf("%s requires a resource name", key)
		}
		return Step{Kind: StepKind(key), Name: name}, nil
	case StepTASK:
		items, _ := value.([]any)
		step := Step{Kind: StepTASK}
		for _, item := range items {
			m, _ := item.(map[string]any)
			if script, ok := m["script"].(string); ok {
				step.Scripts = append(step.Scripts, script)
			}
		}
		return step, nil
	case StepScript:
		body, ok := value.(string)
		if !ok {
			return Step{}, fmt.Errorf("script requires a body")
		}
		return Step{Kind: StepScript, Scripts: []string{body}}, nil
	}
	return Step{}, fmt.Errorf("unknown step kind %q", key)
}
