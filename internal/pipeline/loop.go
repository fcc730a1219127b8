package pipeline

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// LoopStage reruns its body until the confidence gate escalates or the
// iteration budget is spent. The current iteration number (1-based) is
// written to anomaly_iterations before each body run.
type LoopStage struct {
	name          string
	body          Stage
	gate          *gate.Gate
	maxIterations int
	logger        log.Logger
	hooks         Hooks
}

// NewLoopStage creates a loop around body gated by g.
func NewLoopStage(name string, body Stage, g *gate.Gate, maxIterations int, logger log.Logger, hooks Hooks) *LoopStage {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &LoopStage{
		name:          name,
		body:          body,
		gate:          g,
		maxIterations: maxIterations,
		logger:        logger,
		hooks:         hooks,
	}
}

func (l *LoopStage) Name() string { return l.name }

// Run executes the loop. Not escalating within the budget is not an error.
func (l *LoopStage) Run(ctx context.Context, sc signal.Context) error {
	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		sc[signal.AnomalyIterations] = i
		if err := l.body.Run(ctx, sc); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}

		d, ok := l.gate.Evaluate(sc)
		score := sc.FloatOr(signal.AnomalyScore, 0)
		if l.hooks.OnGate != nil {
			l.hooks.OnGate(l.name, i, score, ok)
		}

		l.logger.Info(ctx, "gate evaluated",
			"stage", l.name,
			"iteration", i,
			"anomaly_score", score,
			"threshold", l.gate.Threshold(),
			"escalate", ok,
		)

		if ok {
			sc[signal.Escalation] = d
			return nil
		}
	}
	return nil
}
