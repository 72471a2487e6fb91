package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Bindings resolves the symbolic names a YAML definition uses for code:
// task handlers, poll checks, and choice/loop predicates are Go functions
// registered under the names the document references.
type Bindings struct {
	Handlers   map[string]TaskFn
	Checks     map[string]CheckFn
	Predicates map[string]Predicate
}

type yamlRetry struct {
	MaxAttempts   int     `yaml:"maxAttempts"`
	IntervalMs    int64   `yaml:"intervalMs"`
	BackoffRate   float64 `yaml:"backoffRate"`
	MaxIntervalMs int64   `yaml:"maxIntervalMs"`
}

type yamlChoice struct {
	When string `yaml:"when"`
	Next string `yaml:"next"`
}

type yamlStep struct {
	Type  string     `yaml:"type"`
	Next  string     `yaml:"next"`
	End   bool       `yaml:"end"`
	Retry *yamlRetry `yaml:"retry"`

	Handler string `yaml:"handler"`
	Job     string `yaml:"job"`

	Branches map[string]*yamlDefinition `yaml:"branches"`
	OnError  string                     `yaml:"onError"`

	Choices []yamlChoice `yaml:"choices"`
	Default string       `yaml:"default"`

	Result any `yaml:"result"`

	Check      string `yaml:"check"`
	IntervalMs int64  `yaml:"intervalMs"`
	MaxPolls   int    `yaml:"maxPolls"`
	TimeoutMs  int64  `yaml:"timeoutMs"`

	Condition     string `yaml:"condition"`
	Target        string `yaml:"target"`
	MaxIterations int    `yaml:"maxIterations"`
}

type yamlDefinition struct {
	Name          string               `yaml:"name"`
	Start         string               `yaml:"start"`
	Steps         map[string]*yamlStep `yaml:"steps"`
	DefaultRetry  *yamlRetry           `yaml:"defaultRetry"`
	TimeoutMs     int64                `yaml:"timeoutMs"`
	Inline        bool                 `yaml:"inline"`
	MaxConcurrent int                  `yaml:"maxConcurrent"`
	PluginConfigs map[string]any       `yaml:"pluginConfigs"`
}

// LoadDefinitionYAML parses a declarative workflow document and binds its
// symbolic handler/check/predicate names against b. The result is validated
// before it is returned.
func LoadDefinitionYAML(data []byte, b Bindings) (*Definition, error) {
	var doc yamlDefinition
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow: parse yaml: %w", err)
	}
	def, err := doc.build(b)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (doc *yamlDefinition) build(b Bindings) (*Definition, error) {
	def := &Definition{
		Name:          doc.Name,
		Start:         doc.Start,
		Steps:         make(map[string]*Step, len(doc.Steps)),
		Timeout:       time.Duration(doc.TimeoutMs) * time.Millisecond,
		Inline:        doc.Inline,
		MaxConcurrent: doc.MaxConcurrent,
		PluginConfigs: doc.PluginConfigs,
	}
	if doc.DefaultRetry != nil {
		def.DefaultRetry = doc.DefaultRetry.build()
	}
	for name, ys := range doc.Steps {
		step, err := ys.build(doc.Name, name, b)
		if err != nil {
			return nil, err
		}
		def.Steps[name] = step
	}
	return def, nil
}

func (r *yamlRetry) build() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Interval:    time.Duration(r.IntervalMs) * time.Millisecond,
		BackoffRate: r.BackoffRate,
		MaxInterval: time.Duration(r.MaxIntervalMs) * time.Millisecond,
	}
}

func (ys *yamlStep) build(wf, name string, b Bindings) (*Step, error) {
	step := &Step{
		Type:          StepType(ys.Type),
		Next:          ys.Next,
		End:           ys.End,
		Job:           ys.Job,
		OnError:       ParallelErrorMode(ys.OnError),
		Default:       ys.Default,
		Result:        ys.Result,
		Interval:      time.Duration(ys.IntervalMs) * time.Millisecond,
		MaxPolls:      ys.MaxPolls,
		Timeout:       time.Duration(ys.TimeoutMs) * time.Millisecond,
		Target:        ys.Target,
		MaxIterations: ys.MaxIterations,
	}
	if ys.Retry != nil {
		step.Retry = ys.Retry.build()
	}

	if ys.Handler != "" {
		h, ok := b.Handlers[ys.Handler]
		if !ok {
			return nil, fmt.Errorf("workflow %s: step %q references unbound handler %q", wf, name, ys.Handler)
		}
		step.Handler = h
	}
	if ys.Check != "" {
		c, ok := b.Checks[ys.Check]
		if !ok {
			return nil, fmt.Errorf("workflow %s: step %q references unbound check %q", wf, name, ys.Check)
		}
		step.Check = c
	}
	if ys.Condition != "" {
		p, ok := b.Predicates[ys.Condition]
		if !ok {
			return nil, fmt.Errorf("workflow %s: step %q references unbound predicate %q", wf, name, ys.Condition)
		}
		step.Condition = p
	}
	for _, yc := range ys.Choices {
		p, ok := b.Predicates[yc.When]
		if !ok {
			return nil, fmt.Errorf("workflow %s: step %q references unbound predicate %q", wf, name, yc.When)
		}
		step.Choices = append(step.Choices, Choice{When: p, Next: yc.Next})
	}
	for bname, branch := range ys.Branches {
		if step.Branches == nil {
			step.Branches = make(map[string]*Definition, len(ys.Branches))
		}
		built, err := branch.build(b)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: step %q branch %q: %w", wf, name, bname, err)
		}
		if built.Name == "" {
			built.Name = wf + "." + name + "." + bname
		}
		step.Branches[bname] = built
	}
	return step, nil
}
