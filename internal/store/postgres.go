package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"blood-test-analyzer/internal/models"
)

// ErrNotFound is returned by every operation against a missing analysis id.
var ErrNotFound = errors.New("analysis not found")

// stageColumns maps stage names onto their result columns. Column names are
// never taken from user input.
var stageColumns = map[string]string{
	models.StageDoctor:       "doctor_analysis",
	models.StageVerifier:     "verifier_analysis",
	models.StageNutritionist: "nutritionist_analysis",
	models.StageExercise:     "exercise_analysis",
}

// Store wraps pgxpool for Postgres persistence of analyses. Row-level UPDATE
// atomicity in Postgres serializes concurrent writers to the same analysis id.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateAnalysisParams collects inputs required to insert an analysis.
type CreateAnalysisParams struct {
	OriginalFilename string
	FilePath         string
	Query            string
	UserID           *string
}

// CreateAnalysis inserts a new analysis row with status pending and zero progress.
func (s *Store) CreateAnalysis(ctx context.Context, p CreateAnalysisParams) (models.Analysis, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	query := models.NormalizeQuery(p.Query)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO blood_test_analyses (analysis_id, user_id, original_filename, file_path, query, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0.0, $7, $7)
	`, id, p.UserID, p.OriginalFilename, p.FilePath, query, models.StatusPending, now)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}

	return models.Analysis{
		ID:               id,
		UserID:           p.UserID,
		OriginalFilename: p.OriginalFilename,
		FilePath:         p.FilePath,
		Query:            query,
		Status:           models.StatusPending,
		Progress:         0,
		Results:          emptyResults(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetAnalysis fetches an analysis by id, including per-stage results.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.Analysis, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT analysis_id, user_id, original_filename, file_path, query,
		       doctor_analysis, verifier_analysis, nutritionist_analysis, exercise_analysis,
		       status, progress, error_message, created_at, started_at, completed_at, updated_at
		FROM blood_test_analyses WHERE analysis_id = $1
	`, id)

	var a models.Analysis
	var userID, doctor, verifier, nutritionist, exercise, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&a.ID, &userID, &a.OriginalFilename, &a.FilePath, &a.Query,
		&doctor, &verifier, &nutritionist, &exercise,
		&a.Status, &a.Progress, &errMsg, &a.CreatedAt, &startedAt, &completedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Analysis{}, ErrNotFound
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("scan analysis: %w", err)
	}

	a.UserID = textPtr(userID)
	a.ErrorMessage = textPtr(errMsg)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.Results = map[string]*string{
		models.StageDoctor:       textPtr(doctor),
		models.StageVerifier:     textPtr(verifier),
		models.StageNutritionist: textPtr(nutritionist),
		models.StageExercise:     textPtr(exercise),
	}
	return a, nil
}

// UpdateStatus transitions status, progress and error atomically. Transitions
// out of a terminal status are refused, progress never decreases, the first
// recorded error wins, and started_at/completed_at are set exactly once.
// Returns false without error when the row is already terminal.
func (s *Store) UpdateStatus(ctx context.Context, id string, status string, progress *float64, errMsg *string) (bool, error) {
	if !models.ValidStatus(status) {
		return false, fmt.Errorf("unknown status %q", status)
	}

	exec := func() (pgconn.CommandTag, error) {
		return s.pool.Exec(ctx, `
			UPDATE blood_test_analyses
			SET status = $2,
			    progress = GREATEST(progress, COALESCE($3, progress)),
			    error_message = COALESCE(error_message, $4),
			    started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN NOW() ELSE started_at END,
			    completed_at = CASE WHEN $2 IN ('completed', 'failed') AND completed_at IS NULL THEN NOW() ELSE completed_at END,
			    updated_at = NOW()
			WHERE analysis_id = $1 AND status NOT IN ('completed', 'failed')
		`, id, status, progress, errMsg)
	}

	tag, err := exec()
	if isSerializationFailure(err) {
		tag, err = exec()
	}
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.missingOrTerminal(ctx, id)
	}
	return true, nil
}

// SetStageResult writes one stage's result text, independent of job status.
// Writing the same text twice is a natural no-op; writes against a terminal
// analysis are refused (false, nil) so late or duplicate completions from the
// queue cannot disturb a settled outcome.
func (s *Store) SetStageResult(ctx context.Context, id string, stage string, text string) (bool, error) {
	col, ok := stageColumns[stage]
	if !ok {
		return false, fmt.Errorf("unknown stage %q", stage)
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE blood_test_analyses
		SET %s = $2, updated_at = NOW()
		WHERE analysis_id = $1 AND status NOT IN ('completed', 'failed')
	`, col), id, text)
	if err != nil {
		return false, fmt.Errorf("set stage result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.missingOrTerminal(ctx, id)
	}
	return true, nil
}

// ListAnalyses returns a page of summaries ordered by created_at descending,
// plus the total count matching the filter.
func (s *Store) ListAnalyses(ctx context.Context, statusFilter string, limit, offset int) ([]models.Summary, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM blood_test_analyses WHERE ($1 = '' OR status = $1)
	`, statusFilter).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT analysis_id, status, progress, query, original_filename, created_at, completed_at
		FROM blood_test_analyses
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, statusFilter, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.Summary, 0, limit)
	for rows.Next() {
		var sm models.Summary
		var completedAt pgtype.Timestamptz
		if err := rows.Scan(&sm.ID, &sm.Status, &sm.Progress, &sm.Query, &sm.OriginalFilename, &sm.CreatedAt, &completedAt); err != nil {
			return nil, 0, fmt.Errorf("scan summary: %w", err)
		}
		sm.CompletedAt = timePtr(completedAt)
		summaries = append(summaries, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate analyses: %w", err)
	}
	return summaries, total, nil
}

// DeleteAnalysis removes the record and returns the artifact path it owned so
// the caller can release the uploaded document.
func (s *Store) DeleteAnalysis(ctx context.Context, id string) (string, error) {
	var filePath string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM blood_test_analyses WHERE analysis_id = $1 RETURNING file_path
	`, id).Scan(&filePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete analysis: %w", err)
	}
	return filePath, nil
}

// missingOrTerminal distinguishes a zero-row update: ErrNotFound when the row
// does not exist, nil when it exists but is already terminal.
func (s *Store) missingOrTerminal(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM blood_test_analyses WHERE analysis_id = $1)
	`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check analysis exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func emptyResults() map[string]*string {
	r := make(map[string]*string, len(models.Stages))
	for _, stage := range models.Stages {
		r[stage] = nil
	}
	return r
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
