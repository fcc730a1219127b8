// Package pipeline composes review stages into an explicit, ordered pipeline.
// A Descriptor names the stages with their inputs and outputs; Build turns it
// into runnable stages and Runner executes them against a case context.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// KindLoop is the stage kind handled by the pipeline itself.
const KindLoop = "loop"

// When conditions.
const (
	WhenAlways    = "always"
	WhenEscalated = "escalated"
)

// DefaultMaxIterations bounds the anomaly loop when a descriptor omits it.
const DefaultMaxIterations = 3

// Descriptor is the static description of a review pipeline.
type Descriptor struct {
	Name string `yaml:"name" json:"name"`
	// Inputs are context keys provided by the case submitter.
	Inputs []string    `yaml:"inputs" json:"inputs"`
	Stages []StageSpec `yaml:"stages" json:"stages"`
}

// StageSpec describes one stage.
type StageSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Kind    string   `yaml:"kind" json:"kind"`
	Agent   string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Inputs  []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	When    string   `yaml:"when,omitempty" json:"when,omitempty"`

	// loop only
	MaxIterations int        `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Threshold     float64    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Body          *StageSpec `yaml:"body,omitempty" json:"body,omitempty"`
}

// Default returns the standard invoice review pipeline: ingest, research,
// iterative anomaly detection, reconciliation, and, once escalated, an
// investigation report and notification.
func Default() Descriptor {
	return Descriptor{
		Name:   "invoice-review",
		Inputs: []string{signal.BatchID},
		Stages: []StageSpec{
			{
				Name:    "ingest",
				Kind:    "normalize",
				Inputs:  []string{signal.BatchID},
				Outputs: []string{signal.Invoices, signal.Payments},
			},
			{
				Name:    "research",
				Kind:    "research",
				Inputs:  []string{signal.Invoices},
				Outputs: []string{signal.Research},
			},
			{
				Name:          "anomaly_detector",
				Kind:          KindLoop,
				MaxIterations: DefaultMaxIterations,
				Threshold:     gate.DefaultThreshold,
				Body: &StageSpec{
					Name:    "anomaly_iteration",
					Kind:    "score",
					Inputs:  []string{signal.Invoices, signal.Payments, signal.Research},
					Outputs: []string{signal.AnomalyScore, signal.AnomalySignals},
				},
			},
			{
				Name:    "reconcile",
				Kind:    "reconcile",
				Inputs:  []string{signal.Invoices, signal.Payments},
				Outputs: []string{signal.Reconciliation},
			},
			{
				Name:    "investigate",
				Kind:    "investigate",
				When:    WhenEscalated,
				Inputs:  []string{signal.Invoices, signal.AnomalyScore, signal.Reconciliation},
				Outputs: []string{signal.Report, signal.ReportPath},
			},
			{
				Name:    "notify",
				Kind:    "notify",
				When:    WhenEscalated,
				Inputs:  []string{signal.Report},
				Outputs: []string{signal.Notified},
			},
		},
	}
}

// LoadFile reads a YAML descriptor and validates it.
func LoadFile(path string) (Descriptor, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path is operator configuration
	if err != nil {
		return Descriptor{}, fmt.Errorf("read pipeline file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML descriptor and validates it.
func Parse(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode pipeline: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks stage names, conditions, loop settings and that every input
// is produced before it is consumed.
func (d Descriptor) Validate() error {
	var errs []error

	if len(d.Stages) == 0 {
		errs = append(errs, errors.New("pipeline has no stages"))
	}

	available := make(map[string]bool)
	for _, in := range d.Inputs {
		available[in] = true
	}
	names := make(map[string]bool)

	var check func(s StageSpec, nested bool)
	check = func(s StageSpec, nested bool) {
		if s.Name == "" {
			errs = append(errs, errors.New("stage with empty name"))
		} else if names[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stage name %q", s.Name))
		}
		names[s.Name] = true

		if s.Kind == "" {
			errs = append(errs, fmt.Errorf("stage %q: kind is required", s.Name))
		}
		switch s.When {
		case "", WhenAlways, WhenEscalated:
		default:
			errs = append(errs, fmt.Errorf("stage %q: unknown when %q", s.Name, s.When))
		}
		if nested && s.When != "" {
			errs = append(errs, fmt.Errorf("stage %q: loop body cannot be conditional", s.Name))
		}

		for _, in := range s.Inputs {
			if !available[in] {
				errs = append(errs, fmt.Errorf("stage %q: input %q is not produced by an earlier stage", s.Name, in))
			}
		}

		if s.Kind == KindLoop {
			if s.Body == nil {
				errs = append(errs, fmt.Errorf("stage %q: loop requires a body", s.Name))
			} else if s.Body.Kind == KindLoop {
				errs = append(errs, fmt.Errorf("stage %q: nested loops are not supported", s.Name))
			} else {
				check(*s.Body, true)
			}
			if s.MaxIterations < 0 {
				errs = append(errs, fmt.Errorf("stage %q: max_iterations must be >= 1", s.Name))
			}
			if math.IsNaN(s.Threshold) || s.Threshold < 0 || s.Threshold > 1 {
				errs = append(errs, fmt.Errorf("stage %q: threshold %v outside (0,1]", s.Name, s.Threshold))
			}
			available[signal.Escalation] = true
			available[signal.AnomalyIterations] = true
		} else if s.Body != nil {
			errs = append(errs, fmt.Errorf("stage %q: only loop stages take a body", s.Name))
		}

		for _, out := range s.Outputs {
			available[out] = true
		}
	}

	for _, s := range d.Stages {
		check(s, false)
	}

	return errors.Join(errs...)
}

// Kinds returns every stage kind the descriptor uses, loop bodies included.
func (d Descriptor) Kinds() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(s StageSpec)
	walk = func(s StageSpec) {
		if !seen[s.Kind] {
			seen[s.Kind] = true
			out = append(out, s.Kind)
		}
		if s.Body != nil {
			walk(*s.Body)
		}
	}
	for _, s := range d.Stages {
		walk(s)
	}
	return out
}
