package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/models"
	"blood-test-analyzer/internal/queue"
	"blood-test-analyzer/internal/telemetry"
)

// Sequential runs the four stages strictly in pipeline order inside a single
// unit of work, aborting the whole analysis on the first stage failure.
// Downstream stages of a failed one are never invoked.
type Sequential struct {
	store AnalysisStore
	exec  StageRunner
	log   zerolog.Logger
}

func NewSequential(store AnalysisStore, exec StageRunner, log zerolog.Logger) *Sequential {
	return &Sequential{store: store, exec: exec, log: log}
}

// Handler adapts the orchestrator to the processor's handler signature.
func (s *Sequential) Handler() Handler {
	return s.Run
}

func (s *Sequential) Run(ctx context.Context, t queue.Task) (string, error) {
	zero := 0.0
	if _, err := s.store.UpdateStatus(ctx, t.AnalysisID, models.StatusProcessing, &zero, nil); err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	sections := make(map[string]string, len(models.Stages))
	total := len(models.Stages)

	for i, stage := range models.Stages {
		text, err := s.exec.Execute(ctx, stage, t.Query, t.FilePath)
		if err != nil {
			telemetry.StageFailures.WithLabelValues(stage).Inc()
			telemetry.AnalysesFailed.Inc()
			msg := err.Error()
			if _, uerr := s.store.UpdateStatus(ctx, t.AnalysisID, models.StatusFailed, nil, &msg); uerr != nil {
				s.log.Error().Err(uerr).Str("analysis_id", t.AnalysisID).Msg("mark failed")
			}
			return "", err
		}

		applied, serr := s.store.SetStageResult(ctx, t.AnalysisID, stage, text)
		if serr != nil {
			telemetry.AnalysesFailed.Inc()
			msg := fmt.Sprintf("persist %s result: %v", stage, serr)
			_, _ = s.store.UpdateStatus(ctx, t.AnalysisID, models.StatusFailed, nil, &msg)
			return "", fmt.Errorf("persist stage result: %w", serr)
		}
		if !applied {
			// The analysis settled underneath us (e.g. a duplicate run after
			// a lease expiry lost the race). Stop without disturbing it.
			s.log.Warn().Str("analysis_id", t.AnalysisID).Str("stage", stage).Msg("analysis already settled, abandoning run")
			return "", nil
		}
		telemetry.StageSuccess.WithLabelValues(stage).Inc()
		sections[stage] = text

		progress := float64(i+1) / float64(total)
		if _, err := s.store.UpdateStatus(ctx, t.AnalysisID, models.StatusProcessing, &progress, nil); err != nil {
			s.log.Warn().Err(err).Str("analysis_id", t.AnalysisID).Msg("update progress")
		}
	}

	full := 1.0
	if _, err := s.store.UpdateStatus(ctx, t.AnalysisID, models.StatusCompleted, &full, nil); err != nil {
		return "", fmt.Errorf("mark completed: %w", err)
	}
	telemetry.AnalysesCompleted.Inc()
	return CombineSections(sections), nil
}

// CombineSections assembles per-stage outputs into one patient-facing answer,
// in pipeline order.
func CombineSections(sections map[string]string) string {
	var sb strings.Builder
	for _, stage := range models.Stages {
		text, ok := sections[stage]
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## ")
		sb.WriteString(strings.ToUpper(stage[:1]))
		sb.WriteString(stage[1:])
		sb.WriteString("\n")
		sb.WriteString(text)
	}
	return sb.String()
}
