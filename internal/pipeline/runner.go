package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// Stage is one step of the review pipeline. Stages read their inputs from and
// write their outputs to the shared case context.
type Stage interface {
	Name() string
	Run(ctx context.Context, sc signal.Context) error
}

// Func adapts a function to Stage.
func Func(name string, fn func(ctx context.Context, sc signal.Context) error) Stage {
	return funcStage{name: name, fn: fn}
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, sc signal.Context) error
}

func (f funcStage) Name() string { return f.name }

func (f funcStage) Run(ctx context.Context, sc signal.Context) error {
	return f.fn(ctx, sc)
}

// Status is the outcome of a single stage.
type Status string

const (
	StageOK      Status = "ok"
	StageSkipped Status = "skipped"
	StageFailed  Status = "failed"
)

// StageRun records how one stage went.
type StageRun struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	Status     Status  `json:"status"`
	Iterations int     `json:"iterations,omitempty"`
	Duration   float64 `json:"duration_seconds"`
	Error      string  `json:"error,omitempty"`
}

// Trace is the record of a pipeline run.
type Trace struct {
	Stages    []StageRun     `json:"stages"`
	Escalated bool           `json:"escalated"`
	Decision  *gate.Decision `json:"decision,omitempty"`
}

// Hooks are optional callbacks for observability. Nil fields are skipped.
type Hooks struct {
	OnStage func(name string, status Status, duration float64)
	OnGate  func(stage string, iteration int, score float64, escalated bool)

	// StageContext derives the context a stage of the given case runs with.
	StageContext func(ctx context.Context, caseID, stage string) context.Context
}

type step struct {
	spec  StageSpec
	stage Stage
}

// Runner executes a built pipeline.
type Runner struct {
	desc   Descriptor
	steps  []step
	logger log.Logger
	hooks  Hooks
}

// Descriptor returns the descriptor the runner was built from.
func (r *Runner) Descriptor() Descriptor {
	return r.desc
}

// Run executes every stage in order against sc. Stages marked
// when: escalated only run once a loop stage has stored an escalating
// decision. The first failing stage stops the run; the partial trace is
// returned alongside the error.
func (r *Runner) Run(ctx context.Context, sc signal.Context) (*Trace, error) {
	tr := &Trace{Stages: make([]StageRun, 0, len(r.steps))}

	for _, st := range r.steps {
		run := StageRun{Name: st.spec.Name, Kind: st.spec.Kind}

		if err := ctx.Err(); err != nil {
			run.Status = StageFailed
			run.Error = err.Error()
			tr.Stages = append(tr.Stages, run)
			r.finish(tr, sc)
			return tr, fmt.Errorf("stage %s: %w", st.spec.Name, err)
		}

		if st.spec.When == WhenEscalated {
			if _, ok := Escalated(sc); !ok {
				run.Status = StageSkipped
				tr.Stages = append(tr.Stages, run)
				r.observe(run)
				r.logger.Info(ctx, "stage skipped", "stage", st.spec.Name, "reason", "not escalated")
				continue
			}
		}

		sctx := ctx
		if r.hooks.StageContext != nil {
			sctx = r.hooks.StageContext(ctx, sc.String(signal.CaseID), st.spec.Name)
		}

		start := time.Now()
		err := st.stage.Run(sctx, sc)
		run.Duration = time.Since(start).Seconds()
		if st.spec.Kind == KindLoop {
			run.Iterations = int(sc.FloatOr(signal.AnomalyIterations, 0))
		}

		if err != nil {
			run.Status = StageFailed
			run.Error = err.Error()
			tr.Stages = append(tr.Stages, run)
			r.observe(run)
			r.logger.Error(ctx, err, "stage failed", "stage", st.spec.Name, "kind", st.spec.Kind)
			r.finish(tr, sc)
			return tr, fmt.Errorf("stage %s: %w", st.spec.Name, err)
		}

		run.Status = StageOK
		tr.Stages = append(tr.Stages, run)
		r.observe(run)

		for _, out := range st.spec.Outputs {
			if !sc.Has(out) {
				r.logger.Warn(ctx, "stage did not produce declared output", "stage", st.spec.Name, "output", out)
			}
		}

		r.logger.Info(ctx, "stage complete",
			"stage", st.spec.Name,
			"kind", st.spec.Kind,
			"duration", run.Duration,
		)
	}

	r.finish(tr, sc)
	return tr, nil
}

func (r *Runner) finish(tr *Trace, sc signal.Context) {
	if d, ok := Escalated(sc); ok {
		tr.Escalated = true
		tr.Decision = &d
	}
}

func (r *Runner) observe(run StageRun) {
	if r.hooks.OnStage != nil {
		r.hooks.OnStage(run.Name, run.Status, run.Duration)
	}
}

// Escalated returns the escalating decision stored in sc, if any.
func Escalated(sc signal.Context) (gate.Decision, bool) {
	switch d := sc[signal.Escalation].(type) {
	case gate.Decision:
		return d, d.Escalate
	case *gate.Decision:
		if d == nil {
			return gate.Decision{}, false
		}
		return *d, d.Escalate
	default:
		return gate.Decision{}, false
	}
}
