package models

import (
	"strings"
	"time"
)

// AnalysisStatus enumerates lifecycle states persisted in Postgres.
// Transitions are strictly forward: pending -> processing -> completed|failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Stage names for the four analysis agents, in pipeline order.
const (
	StageDoctor       = "doctor"
	StageVerifier     = "verifier"
	StageNutritionist = "nutritionist"
	StageExercise     = "exercise"
)

// Stages lists every stage in the order the sequential pipeline runs them.
var Stages = []string{StageDoctor, StageVerifier, StageNutritionist, StageExercise}

// DefaultQuery replaces a blank submission query.
const DefaultQuery = "Summarise my Blood Test Report"

// Analysis represents one submitted report tracked end-to-end through the pipeline.
type Analysis struct {
	ID               string             `json:"analysis_id"`
	UserID           *string            `json:"user_id,omitempty"`
	OriginalFilename string             `json:"original_filename"`
	FilePath         string             `json:"file_path"`
	Query            string             `json:"query"`
	Status           string             `json:"status"`
	Progress         float64            `json:"progress"`
	Results          map[string]*string `json:"results"`
	ErrorMessage     *string            `json:"error_message,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Summary is the trimmed shape returned by list endpoints.
type Summary struct {
	ID               string     `json:"analysis_id"`
	Status           string     `json:"status"`
	Progress         float64    `json:"progress"`
	Query            string     `json:"query"`
	OriginalFilename string     `json:"original_filename"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidStage reports whether name is one of the four configured stages.
func ValidStage(name string) bool {
	for _, s := range Stages {
		if s == name {
			return true
		}
	}
	return false
}

// NormalizeQuery trims the submitted query and substitutes the default when blank.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return DefaultQuery
	}
	return q
}
