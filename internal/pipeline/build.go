package pipeline

import (
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
)

// Factory creates the stage for a spec. Loop stages never reach the factory;
// their bodies do.
type Factory interface {
	New(spec StageSpec) (Stage, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(spec StageSpec) (Stage, error)

// New implements Factory.
func (f FactoryFunc) New(spec StageSpec) (Stage, error) { return f(spec) }

// Build validates d and resolves every stage through f.
func Build(d Descriptor, f Factory, logger log.Logger, hooks Hooks) (*Runner, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline %q: %w", d.Name, err)
	}
	if logger == nil {
		logger = log.Nop()
	}

	r := &Runner{
		desc:   d,
		steps:  make([]step, 0, len(d.Stages)),
		logger: logger,
		hooks:  hooks,
	}

	for _, spec := range d.Stages {
		var (
			st  Stage
			err error
		)
		if spec.Kind == KindLoop {
			st, err = buildLoop(spec, f, logger, hooks)
		} else {
			st, err = f.New(spec)
		}
		if err != nil {
			return nil, fmt.Errorf("build stage %q: %w", spec.Name, err)
		}
		r.steps = append(r.steps, step{spec: spec, stage: st})
	}

	return r, nil
}

func buildLoop(spec StageSpec, f Factory, logger log.Logger, hooks Hooks) (Stage, error) {
	body, err := f.New(*spec.Body)
	if err != nil {
		return nil, fmt.Errorf("loop body %q: %w", spec.Body.Name, err)
	}
	threshold := spec.Threshold
	if threshold == 0 {
		threshold = gate.DefaultThreshold
	}
	return NewLoopStage(spec.Name, body, gate.New(threshold), spec.MaxIterations, logger, hooks), nil
}
