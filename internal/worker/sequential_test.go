package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"blood-test-analyzer/internal/models"
	"blood-test-analyzer/internal/queue"
)

func TestSequentialAllStagesSucceed(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	runner := newFakeRunner()
	orch := NewSequential(st, runner, zerolog.Nop())

	result, err := orch.Run(ctx, queue.Task{
		Type:       queue.TypeSequential,
		AnalysisID: "a-1",
		FilePath:   "data/valid.pdf",
		Query:      models.DefaultQuery,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	status, progress, results, errMsg := st.snapshot("a-1")
	if status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", progress)
	}
	if errMsg != "" {
		t.Fatalf("unexpected error message %q", errMsg)
	}
	for _, stage := range models.Stages {
		if results[stage] == "" {
			t.Fatalf("missing result for stage %s", stage)
		}
	}
	for _, stage := range models.Stages {
		if !strings.Contains(result, results[stage]) {
			t.Fatalf("combined result missing %s section", stage)
		}
	}
}

func TestSequentialStagesRunInPipelineOrder(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	runner := newFakeRunner()
	orch := NewSequential(st, runner, zerolog.Nop())

	if _, err := orch.Run(ctx, queue.Task{AnalysisID: "a-1", Query: "q"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(runner.order) != len(models.Stages) {
		t.Fatalf("expected %d invocations, got %d", len(models.Stages), len(runner.order))
	}
	for i, stage := range models.Stages {
		if runner.order[i] != stage {
			t.Fatalf("stage %d: expected %s, got %s", i, stage, runner.order[i])
		}
	}
}

func TestSequentialFailFastSkipsRemainingStages(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	runner := newFakeRunner()
	runner.fail[models.StageVerifier] = errors.New("document unreadable")
	orch := NewSequential(st, runner, zerolog.Nop())

	_, err := orch.Run(ctx, queue.Task{AnalysisID: "a-1", Query: "q"})
	if err == nil {
		t.Fatal("expected error from failed stage")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != models.StageVerifier {
		t.Fatalf("expected StageError for verifier, got %v", err)
	}

	if runner.callCount(models.StageDoctor) != 1 {
		t.Fatalf("doctor should have run once")
	}
	if runner.callCount(models.StageNutritionist) != 0 || runner.callCount(models.StageExercise) != 0 {
		t.Fatal("stages after the failed one must never be invoked")
	}

	status, _, results, errMsg := st.snapshot("a-1")
	if status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if errMsg == "" || !strings.Contains(errMsg, "verifier") {
		t.Fatalf("expected verifier error recorded, got %q", errMsg)
	}
	if results[models.StageDoctor] == "" {
		t.Fatal("doctor result produced before the failure should be kept")
	}
	if _, ok := results[models.StageNutritionist]; ok {
		t.Fatal("nutritionist result must remain unset")
	}
	if _, ok := results[models.StageExercise]; ok {
		t.Fatal("exercise result must remain unset")
	}
}

func TestSequentialLaterStageNeverOverwritesFailedRun(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	runner := newFakeRunner()
	orch := NewSequential(st, runner, zerolog.Nop())

	// A competing run already settled the analysis.
	msg := "earlier failure"
	if _, err := st.UpdateStatus(ctx, "a-1", models.StatusFailed, nil, &msg); err != nil {
		t.Fatalf("seed failed status: %v", err)
	}

	if _, err := orch.Run(ctx, queue.Task{AnalysisID: "a-1", Query: "q"}); err != nil {
		t.Fatalf("run against settled analysis should not error: %v", err)
	}

	status, _, _, errMsg := st.snapshot("a-1")
	if status != models.StatusFailed || errMsg != "earlier failure" {
		t.Fatalf("settled analysis disturbed: status=%s err=%q", status, errMsg)
	}
}

func TestSequentialProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	orch := NewSequential(st, newFakeRunner(), zerolog.Nop())

	if _, err := orch.Run(ctx, queue.Task{AnalysisID: "a-1", Query: "q"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	history := st.progressHistory("a-1")
	if len(history) == 0 {
		t.Fatal("expected progress updates")
	}
	for i := 1; i < len(history); i++ {
		if history[i] < history[i-1] {
			t.Fatalf("progress decreased: %v", history)
		}
	}
	if history[len(history)-1] != 1.0 {
		t.Fatalf("final progress should be 1.0, got %v", history)
	}
}
