// Package workflow implements the durable workflow state machine: a
// persisted multi-step plan executed by an iterative step loop, inline or
// in an isolated subprocess, with per-step retry, parallel branches,
// choices, polling, and loops.
package workflow

import (
	"fmt"
	"math"
	"time"
)

// StepType enumerates the step variants.
type StepType string

const (
	StepTask     StepType = "task"
	StepParallel StepType = "parallel"
	StepChoice   StepType = "choice"
	StepPass     StepType = "pass"
	StepPoll     StepType = "poll"
	StepLoop     StepType = "loop"
)

// ParallelErrorMode selects how a parallel step reacts to a failing branch.
type ParallelErrorMode string

const (
	FailFast ParallelErrorMode = "fail-fast"
	WaitAll  ParallelErrorMode = "wait-all"
)

// RetryPolicy governs task and poll failures.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	BackoffRate float64
	MaxInterval time.Duration
}

// Delay returns the backoff before retrying 1-based attempt n:
// min(interval * rate^(n-1), maxInterval).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 2
	}
	max := p.MaxInterval
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(interval) * math.Pow(rate, float64(attempt-1)))
	if d > max || d < 0 {
		return max
	}
	return d
}

// TaskFn is a task step's handler.
type TaskFn func(ctx *StepContext) (any, error)

// CheckFn is a poll step's probe. Done=false keeps polling.
type CheckFn func(ctx *StepContext) (PollResult, error)

// PollResult is one poll probe's outcome.
type PollResult struct {
	Done   bool
	Result any
}

// Predicate evaluates a choice/loop condition against the step context.
type Predicate func(ctx *StepContext) bool

// Choice is one predicate->next arm of a choice step.
type Choice struct {
	When Predicate
	Next string
}

// Step is one node of a workflow definition.
type Step struct {
	Type  StepType
	Next  string
	End   bool
	Retry *RetryPolicy

	// task
	Handler        TaskFn
	Job            string // delegate to the jobs engine by handler name
	ValidateInput  func(input any) error
	ValidateOutput func(output any) error

	// parallel
	Branches map[string]*Definition
	OnError  ParallelErrorMode

	// choice
	Choices []Choice
	Default string

	// pass
	Result    any
	Transform func(ctx *StepContext) any

	// poll
	Check    CheckFn
	Interval time.Duration
	MaxPolls int
	Timeout  time.Duration

	// loop
	Condition     Predicate
	Target        string
	MaxIterations int
}

// Definition is a named workflow: a step map plus a designated start step.
// The zero value of Inline means the definition runs isolated (subprocess
// executor) by default.
type Definition struct {
	Name  string
	Start string
	Steps map[string]*Step

	DefaultRetry *RetryPolicy
	Timeout      time.Duration

	// Inline runs the state machine in this process instead of the default
	// isolated subprocess executor.
	Inline bool

	// MaxConcurrent caps running instances of this definition. Zero means
	// uncapped (the global gate may still apply).
	MaxConcurrent int

	// PluginConfigs is handed to plugins at bootstrap. Isolated definitions
	// require every value to be JSON-serializable.
	PluginConfigs map[string]any
}

// Validate checks structural consistency: the start step exists, every
// next/target/default reference resolves, and each step carries the fields
// its type needs.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow: definition has no name")
	}
	if d.Start == "" {
		return fmt.Errorf("workflow %s: no start step", d.Name)
	}
	if _, ok := d.Steps[d.Start]; !ok {
		return fmt.Errorf("workflow %s: start step %q not defined", d.Name, d.Start)
	}
	for name, step := range d.Steps {
		if err := d.validateStep(name, step); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateStep(name string, step *Step) error {
	ref := func(target, kind string) error {
		if target == "" {
			return nil
		}
		if _, ok := d.Steps[target]; !ok {
			return fmt.Errorf("workflow %s: step %q %s references unknown step %q", d.Name, name, kind, target)
		}
		return nil
	}

	if !step.End && step.Type != StepChoice {
		if step.Next == "" && step.Type != StepLoop {
			return fmt.Errorf("workflow %s: step %q has neither next nor end", d.Name, name)
		}
	}
	if err := ref(step.Next, "next"); err != nil {
		return err
	}

	switch step.Type {
	case StepTask:
		if step.Handler == nil && step.Job == "" {
			return fmt.Errorf("workflow %s: task step %q has neither handler nor job", d.Name, name)
		}
	case StepParallel:
		if len(step.Branches) == 0 {
			return fmt.Errorf("workflow %s: parallel step %q has no branches", d.Name, name)
		}
		for bname, branch := range step.Branches {
			if err := branch.Validate(); err != nil {
				return fmt.Errorf("workflow %s: parallel step %q branch %q: %w", d.Name, name, bname, err)
			}
		}
	case StepChoice:
		if len(step.Choices) == 0 {
			return fmt.Errorf("workflow %s: choice step %q has no choices", d.Name, name)
		}
		for i, c := range step.Choices {
			if c.When == nil {
				return fmt.Errorf("workflow %s: choice step %q arm %d has no predicate", d.Name, name, i)
			}
			if err := ref(c.Next, "choice"); err != nil {
				return err
			}
		}
		if err := ref(step.Default, "default"); err != nil {
			return err
		}
	case StepPass:
		// Result and Transform are both optional; a bare pass forwards prev.
	case StepPoll:
		if step.Check == nil {
			return fmt.Errorf("workflow %s: poll step %q has no check", d.Name, name)
		}
	case StepLoop:
		if step.Condition == nil {
			return fmt.Errorf("workflow %s: loop step %q has no condition", d.Name, name)
		}
		if step.Target == "" {
			return fmt.Errorf("workflow %s: loop step %q has no target", d.Name, name)
		}
		if err := ref(step.Target, "target"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("workflow %s: step %q has unknown type %q", d.Name, name, step.Type)
	}
	return nil
}

// TotalSteps returns the step count used for progress percentages.
func (d *Definition) TotalSteps() int { return len(d.Steps) }
