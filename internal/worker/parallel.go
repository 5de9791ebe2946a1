package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/models"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/telemetry"
)

// AggregateFailureMessage is the error recorded when any stage of a parallel
// run fails or times out. One missing section is a failed delivery, but the
// stored partial results stay visible for inspection.
const AggregateFailureMessage = "Some analysis tasks failed"

// TaskHandle is the awaitable token for one dispatched unit of work.
type TaskHandle interface {
	ID() string
	Await(ctx context.Context, timeout time.Duration) (queue.Outcome, error)
}

// Dispatcher submits a unit of work for asynchronous execution.
type Dispatcher interface {
	Submit(ctx context.Context, t queue.Task) (TaskHandle, error)
}

// Parallel dispatches all four stages as independent queued tasks and waits
// on each with its own deadline. One stage hanging never blocks detection of
// the others' completion, and no sibling is ever canceled early.
type Parallel struct {
	store        AnalysisStore
	dispatcher   Dispatcher
	stageTimeout time.Duration
	log          zerolog.Logger
}

func NewParallel(store AnalysisStore, dispatcher Dispatcher, stageTimeout time.Duration, log zerolog.Logger) *Parallel {
	if stageTimeout <= 0 {
		stageTimeout = 300 * time.Second
	}
	return &Parallel{store: store, dispatcher: dispatcher, stageTimeout: stageTimeout, log: log}
}

// Handler adapts the orchestrator to the processor's handler signature.
func (p *Parallel) Handler() Handler {
	return p.Run
}

type stageResolution struct {
	stage   string
	outcome queue.Outcome
	err     error
}

func (p *Parallel) Run(ctx context.Context, t queue.Task) (string, error) {
	zero := 0.0
	if _, err := p.store.UpdateStatus(ctx, t.AnalysisID, models.StatusProcessing, &zero, nil); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	total := len(models.Stages)
	resolutions := make(chan stageResolution, total)

	for _, stage := range models.Stages {
		handle, err := p.dispatcher.Submit(ctx, queue.Task{
			Type:       queue.TypeStage,
			AnalysisID: t.AnalysisID,
			FilePath:   t.FilePath,
			Query:      t.Query,
			Stage:      stage,
		})
		if err != nil {
			// A stage that never made it onto the queue resolves as failed;
			// the remaining stages still run.
			p.log.Error().Err(err).Str("analysis_id", t.AnalysisID).Str("stage", stage).Msg("dispatch stage")
			resolutions <- stageResolution{stage: stage, err: err}
			continue
		}

		go func(stage string, handle TaskHandle) {
			outcome, err := handle.Await(ctx, p.stageTimeout)
			resolutions <- stageResolution{stage: stage, outcome: outcome, err: err}
		}(stage, handle)
	}

	sections := make(map[string]string, total)
	allSucceeded := true

	for resolved := 1; resolved <= total; resolved++ {
		r := <-resolutions
		switch {
		case errors.Is(r.err, queue.ErrAwaitTimeout):
			// The stage is abandoned, not canceled; any late result it
			// eventually produces is refused by the settled store row.
			allSucceeded = false
			telemetry.StageFailures.WithLabelValues(r.stage).Inc()
			p.log.Warn().Str("analysis_id", t.AnalysisID).Str("stage", r.stage).Dur("timeout", p.stageTimeout).Msg("stage deadline expired")
		case r.err != nil:
			allSucceeded = false
		case r.outcome.Status != queue.TaskSucceeded:
			allSucceeded = false
		default:
			sections[r.stage] = r.outcome.Result
		}

		progress := float64(resolved) / float64(total)
		if _, err := p.store.UpdateStatus(ctx, t.AnalysisID, models.StatusProcessing, &progress, nil); err != nil {
			p.log.Warn().Err(err).Str("analysis_id", t.AnalysisID).Msg("update progress")
		}
	}

	if !allSucceeded {
		telemetry.AnalysesFailed.Inc()
		msg := AggregateFailureMessage
		if _, err := p.store.UpdateStatus(ctx, t.AnalysisID, models.StatusFailed, nil, &msg); err != nil {
			return "", fmt.Errorf("mark failed: %w", err)
		}
		return "", errors.New(msg)
	}

	full := 1.0
	if _, err := p.store.UpdateStatus(ctx, t.AnalysisID, models.StatusCompleted, &full, nil); err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}
	telemetry.AnalysesCompleted.Inc()
	return CombineSections(sections), nil
}
