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

func TestStageTaskHandlerWritesResult(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	handler := StageTaskHandler(st, newFakeRunner(), zerolog.Nop())

	result, err := handler(ctx, queue.Task{
		Type:       queue.TypeStage,
		AnalysisID: "a-1",
		Query:      "q",
		Stage:      models.StageDoctor,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result == "" {
		t.Fatal("expected result text")
	}

	_, _, results, _ := st.snapshot("a-1")
	if results[models.StageDoctor] != result {
		t.Fatalf("stored result %q differs from returned %q", results[models.StageDoctor], result)
	}
}

func TestStageTaskHandlerWritesErrorTextOnFailure(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	runner := newFakeRunner()
	runner.fail[models.StageExercise] = errors.New("model overloaded")
	handler := StageTaskHandler(st, runner, zerolog.Nop())

	_, err := handler(ctx, queue.Task{AnalysisID: "a-1", Query: "q", Stage: models.StageExercise})
	if err == nil {
		t.Fatal("expected stage error")
	}

	_, _, results, _ := st.snapshot("a-1")
	got := results[models.StageExercise]
	if !strings.HasPrefix(got, "Error: ") || !strings.Contains(got, "model overloaded") {
		t.Fatalf("expected error text stored, got %q", got)
	}
}

func TestStageResultDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	handler := StageTaskHandler(st, newFakeRunner(), zerolog.Nop())
	task := queue.Task{AnalysisID: "a-1", Query: "q", Stage: models.StageDoctor}

	if _, err := handler(ctx, task); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, _, first, _ := st.snapshot("a-1")

	// A duplicate delivery (lease expiry, broker retry) changes nothing.
	if _, err := handler(ctx, task); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	_, _, second, _ := st.snapshot("a-1")

	if len(first) != len(second) || first[models.StageDoctor] != second[models.StageDoctor] {
		t.Fatalf("duplicate delivery changed state: %v vs %v", first, second)
	}
}

func TestStageResultAfterTerminalIsIgnored(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore("a-1")
	handler := StageTaskHandler(st, newFakeRunner(), zerolog.Nop())

	msg := "boom"
	if _, err := st.UpdateStatus(ctx, "a-1", models.StatusFailed, nil, &msg); err != nil {
		t.Fatalf("seed terminal: %v", err)
	}

	if _, err := handler(ctx, queue.Task{AnalysisID: "a-1", Query: "q", Stage: models.StageDoctor}); err != nil {
		t.Fatalf("late delivery should not error: %v", err)
	}

	_, _, results, _ := st.snapshot("a-1")
	if _, ok := results[models.StageDoctor]; ok {
		t.Fatal("result written after terminal status must be ignored")
	}
}

func TestStageErrorWrapsCause(t *testing.T) {
	cause := errors.New("pdf corrupt")
	err := &StageError{Stage: models.StageVerifier, Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("StageError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "verifier") || !strings.Contains(err.Error(), "pdf corrupt") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
