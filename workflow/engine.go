package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/narrativelabs/driftwatch/checkpoint"
	"github.com/narrativelabs/driftwatch/emit"
	"github.com/narrativelabs/driftwatch/rategate"
	"github.com/narrativelabs/driftwatch/state"
)

// ErrUnknownStage means the state names a stage with no registered
// function. This is a wiring bug, so it is fatal.
var ErrUnknownStage = errors.New("no function registered for stage")

// Engine drives the stage machine over one UnifiedState.
type Engine struct {
	stages  map[state.Stage]StageFunc
	ckpt    *checkpoint.Checkpointer[*state.UnifiedState]
	emitter emit.Emitter
	metrics *Metrics
	log     *zap.Logger

	current *state.UnifiedState
	step    int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckpointer enables checkpoint persistence at stage boundaries.
func WithCheckpointer(c *checkpoint.Checkpointer[*state.UnifiedState]) EngineOption {
	return func(e *Engine) { e.ckpt = c }
}

// WithEmitter routes stage lifecycle events to an observability sink.
func WithEmitter(em emit.Emitter) EngineOption {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics records stage latencies and counters.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithStartStep resumes the step counter after a checkpoint restore.
func WithStartStep(step int) EngineOption {
	return func(e *Engine) { e.step = step }
}

// NewEngine builds an engine over a stage registry.
func NewEngine(stages map[state.Stage]StageFunc, log *zap.Logger, opts ...EngineOption) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		stages:  stages,
		emitter: emit.NewNullEmitter(),
		log:     log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's current state. After Run returns this is the
// committed state including any ERROR-stage routing.
func (e *Engine) State() *state.UnifiedState { return e.current }

// Step returns the current step counter.
func (e *Engine) Step() int { return e.step }

// Run advances st through stages until END or context cancellation.
//
// On cancellation the engine finishes the in-flight stage, persists a
// final checkpoint, and returns ctx.Err(). Fatal conditions (unknown
// stage, checkpoint tier corruption) return an error; ordinary stage
// failures route through the ERROR stage instead.
func (e *Engine) Run(ctx context.Context, st *state.UnifiedState) error {
	e.current = st

	for {
		if ctx.Err() != nil {
			return e.shutdown(ctx)
		}

		stage := e.current.CurrentStage
		if stage == state.StageEnd {
			return nil
		}

		fn, ok := e.stages[stage]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
		}

		start := time.Now()
		e.emitter.Emit(emit.Event{
			SessionID: e.current.SessionID,
			Step:      e.step,
			Stage:     string(stage),
			Msg:       "stage_start",
		})

		work, err := e.current.Clone()
		var result StageResult
		if err == nil {
			result, err = invoke(ctx, fn, work)
		}

		elapsed := time.Since(start)
		if err != nil {
			e.routeError(stage, err, elapsed)
			continue
		}

		// Commit the staged copy.
		e.current = work
		e.step++
		e.metrics.ObserveStage(string(stage), elapsed, "success")
		e.emitter.Emit(emit.Event{
			SessionID: e.current.SessionID,
			Step:      e.step,
			Stage:     string(stage),
			Msg:       "stage_end",
			Meta: map[string]any{
				"duration_ms": elapsed.Milliseconds(),
				"next_stage":  string(result.Next),
			},
		})

		if result.Checkpoint {
			if err := e.persist(ctx); err != nil {
				if rategate.Classify(err) == rategate.KindFatal {
					return err
				}
				e.log.Warn("checkpoint failed", zap.Int("step", e.step), zap.Error(err))
			}
		}

		e.current.CurrentStage = result.Next
		e.current.NextStage = ""
		e.current.CheckpointNeeded = false
	}
}

// invoke runs a stage function, converting panics into errors so one bad
// stage cannot take down the scheduler.
func invoke(ctx context.Context, fn StageFunc, st *state.UnifiedState) (result StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()
	return fn(ctx, st)
}

// routeError logs the failure on the committed state and routes to the
// ERROR stage. The staged copy is dropped: no partial mutation escapes.
func (e *Engine) routeError(stage state.Stage, err error, elapsed time.Duration) {
	critical := isCritical(err)
	e.current.RecordError(stage, err, critical)
	e.metrics.ObserveStage(string(stage), elapsed, "error")
	e.emitter.Emit(emit.Event{
		SessionID: e.current.SessionID,
		Step:      e.step,
		Stage:     string(stage),
		Msg:       "stage_error",
		Meta: map[string]any{
			"error":    err.Error(),
			"critical": critical,
		},
	})
	e.log.Error("stage failed",
		zap.String("stage", string(stage)),
		zap.Bool("critical", critical),
		zap.Error(err))
	e.current.CurrentStage = state.StageError
}

func isCritical(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Critical
	}
	return rategate.Classify(err) == rategate.KindFatal
}

// persist writes a checkpoint for the current step.
func (e *Engine) persist(ctx context.Context) error {
	if e.ckpt == nil {
		return nil
	}
	if err := e.ckpt.Persist(ctx, e.current, e.step); err != nil {
		return err
	}
	e.metrics.IncCheckpoints()
	e.emitter.Emit(emit.Event{
		SessionID: e.current.SessionID,
		Step:      e.step,
		Stage:     string(e.current.CurrentStage),
		Msg:       "checkpoint_saved",
		Meta:      map[string]any{"checkpoint_step": e.step},
	})
	return nil
}

// shutdown persists a final checkpoint and reports the cancellation.
func (e *Engine) shutdown(ctx context.Context) error {
	e.step++
	// The run context is done; give the final write its own brief one.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.persist(persistCtx); err != nil && !errors.Is(err, checkpoint.ErrConflict) {
		e.log.Warn("final checkpoint failed", zap.Error(err))
	}
	e.emitter.Emit(emit.Event{
		SessionID: e.current.SessionID,
		Step:      e.step,
		Msg:       "shutdown",
	})
	return ctx.Err()
}

// ErrorStage is the default ERROR handler: critical errors end the
// session, everything else goes back to MONITOR.
func ErrorStage(_ context.Context, st *state.UnifiedState) (StageResult, error) {
	if n := len(st.ErrorLog); n > 0 && st.ErrorLog[n-1].Critical {
		return StageResult{Next: state.StageEnd, Checkpoint: true}, nil
	}
	return StageResult{Next: state.StageMonitor}, nil
}
