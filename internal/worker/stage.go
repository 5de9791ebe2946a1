package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/agent"
	"blood-test-analyzer/internal/artifact"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/report"
	"blood-test-analyzer/internal/telemetry"
)

// StageError records which stage an agent invocation failed in. It covers an
// unreadable document, an agent error, and a stage deadline all the same way.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageRunner executes one agent stage against an uploaded document.
type StageRunner interface {
	Execute(ctx context.Context, stage, query, fileRef string) (string, error)
}

// Executor runs one analysis stage: read the document, extract its text, and
// invoke the stage's agent. It has no side effects; orchestrators decide what
// gets persisted. Every failure comes back as a *StageError, nothing escapes
// this boundary.
type Executor struct {
	agents    *agent.Registry
	reader    report.Reader
	artifacts artifact.Store
}

func NewExecutor(agents *agent.Registry, reader report.Reader, artifacts artifact.Store) *Executor {
	return &Executor{agents: agents, reader: reader, artifacts: artifacts}
}

func (e *Executor) Execute(ctx context.Context, stage, query, fileRef string) (string, error) {
	capability, err := e.agents.ForStage(stage)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}

	doc, err := e.artifacts.Open(ctx, fileRef)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}
	defer doc.Close()

	text, err := e.reader.Extract(ctx, doc)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}

	result, err := capability.Invoke(ctx, query, text)
	if err != nil {
		return "", &StageError{Stage: stage, Err: err}
	}
	return result, nil
}

// AnalysisStore is the slice of the job store the orchestrators and stage
// tasks mutate. Both methods report applied=false when the analysis already
// settled, which callers treat as a late duplicate to log, not an error.
type AnalysisStore interface {
	UpdateStatus(ctx context.Context, id string, status string, progress *float64, errMsg *string) (bool, error)
	SetStageResult(ctx context.Context, id string, stage string, text string) (bool, error)
}

// StageTaskHandler returns the queue handler for one dispatched stage task.
// The terminal outcome is always written into the store: the agent's text on
// success, an error string on failure. Sibling stages are never affected.
func StageTaskHandler(store AnalysisStore, exec StageRunner, log zerolog.Logger) Handler {
	return func(ctx context.Context, t queue.Task) (string, error) {
		text, err := exec.Execute(ctx, t.Stage, t.Query, t.FilePath)
		if err != nil {
			telemetry.StageFailures.WithLabelValues(t.Stage).Inc()
			if _, serr := store.SetStageResult(ctx, t.AnalysisID, t.Stage, "Error: "+err.Error()); serr != nil {
				log.Warn().Err(serr).Str("analysis_id", t.AnalysisID).Str("stage", t.Stage).Msg("record stage error")
			}
			return "", err
		}

		applied, serr := store.SetStageResult(ctx, t.AnalysisID, t.Stage, text)
		if serr != nil {
			telemetry.StageFailures.WithLabelValues(t.Stage).Inc()
			return "", fmt.Errorf("persist stage result: %w", serr)
		}
		if !applied {
			log.Warn().Str("analysis_id", t.AnalysisID).Str("stage", t.Stage).Msg("stage result arrived after analysis settled, ignored")
		}
		telemetry.StageSuccess.WithLabelValues(t.Stage).Inc()
		return text, nil
	}
}
