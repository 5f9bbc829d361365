// Package skill loads and validates skill definitions.
//
// A skill is an ordered list of stages executed by the runner. Definitions
// are supplied externally as YAML files, validated once at load, and
// immutable for the lifetime of any run that references them.
package skill

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition describes one skill: an ordered stage pipeline.
type Definition struct {
	Name        string      `yaml:"name" json:"name"`
	Version     string      `yaml:"version" json:"version"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []StageSpec `yaml:"stages" json:"stages"`
}

// StageSpec is a single unit of work within a skill. InputFrom names
// earlier stages whose outputs feed this stage; the run inputs are always
// available to the first stage.
type StageSpec struct {
	Name       string    `yaml:"name" json:"name"`
	TaskType   string    `yaml:"task_type" json:"task_type"`
	Prompt     string    `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	InputFrom  []string  `yaml:"input_from,omitempty" json:"input_from,omitempty"`
	MaxRetries *int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Timeout    Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Evaluation *EvalSpec `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`
}

// EvalSpec overrides the evaluation applied to this stage's artifacts.
// An empty Dimensions list means the profile's default dimension set.
type EvalSpec struct {
	Dimensions []string `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Profile    string   `yaml:"profile,omitempty" json:"profile,omitempty"`
}

// Duration decodes YAML duration strings like "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("skill: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("skill: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ValidationError describes why a definition is malformed.
type ValidationError struct {
	Skill  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("skill: invalid definition %q: %s", e.Skill, e.Reason)
}

// Validate checks structural soundness: at least one stage, unique stage
// names, and InputFrom references that only point at earlier stages. A
// reference to a later or unknown stage is the ordered-pipeline equivalent
// of a cycle and is rejected.
func (def Definition) Validate() error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Skill: def.Name, Reason: fmt.Sprintf(format, args...)}
	}

	if def.Name == "" {
		return &ValidationError{Skill: "(unnamed)", Reason: "name is required"}
	}
	if len(def.Stages) == 0 {
		return fail("at least one stage is required")
	}

	seen := make(map[string]int, len(def.Stages))
	for i, st := range def.Stages {
		if st.Name == "" {
			return fail("stage %d: name is required", i)
		}
		if prev, dup := seen[st.Name]; dup {
			return fail("duplicate stage name %q (stages %d and %d)", st.Name, prev, i)
		}
		if st.TaskType == "" {
			return fail("stage %q: task_type is required", st.Name)
		}
		if st.MaxRetries != nil && *st.MaxRetries < 0 {
			return fail("stage %q: max_retries must not be negative", st.Name)
		}
		if st.Timeout < 0 {
			return fail("stage %q: timeout must not be negative", st.Name)
		}
		for _, ref := range st.InputFrom {
			at, ok := seen[ref]
			if !ok {
				return fail("stage %q: input_from references unknown or later stage %q", st.Name, ref)
			}
			if at >= i {
				return fail("stage %q: input_from must reference an earlier stage, got %q", st.Name, ref)
			}
		}
		seen[st.Name] = i
	}
	return nil
}

// Clone returns a deep copy. Callers that hand a definition to a run use
// the copy so later catalog reloads cannot mutate an in-flight pipeline.
func (def Definition) Clone() Definition {
	out := def
	out.Stages = make([]StageSpec, len(def.Stages))
	for i, st := range def.Stages {
		cp := st
		if st.MaxRetries != nil {
			v := *st.MaxRetries
			cp.MaxRetries = &v
		}
		if len(st.InputFrom) > 0 {
			cp.InputFrom = append([]string(nil), st.InputFrom...)
		}
		if st.Evaluation != nil {
			ev := *st.Evaluation
			if len(st.Evaluation.Dimensions) > 0 {
				ev.Dimensions = append([]string(nil), st.Evaluation.Dimensions...)
			}
			cp.Evaluation = &ev
		}
		out.Stages[i] = cp
	}
	return out
}

// Retries returns the stage's revise budget, falling back to the given
// default when the stage leaves it unset.
func (st StageSpec) Retries(defaultRetries int) int {
	if st.MaxRetries != nil {
		return *st.MaxRetries
	}
	return defaultRetries
}

// StageTimeout returns the stage's invocation timeout, falling back to the
// given default when the stage leaves it unset.
func (st StageSpec) StageTimeout(defaultTimeout time.Duration) time.Duration {
	if st.Timeout > 0 {
		return time.Duration(st.Timeout)
	}
	return defaultTimeout
}

// Parse decodes and validates a single YAML definition.
func Parse(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("skill: parse definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}
