package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidInput      = errors.New("invalid input")
)

var Statuses = []JobStatus{JobPending, JobRunning, JobCompleted, JobFailed}

func ParseStatus(raw string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition encodes the job state machine. PENDING is the only initial
// state and there is no edge back to it: a failed job stays failed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to == JobCompleted || to == JobFailed
	}
	return false
}

// Sources returns the statuses from which to is reachable in one step.
func Sources(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range Statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// JobSummary is the mutable progress view of a job. Only the store writes it.
type JobSummary struct {
	ID              string     `json:"job_id"`
	User            string     `json:"user"`
	PatternFilename string     `json:"pattern_filename"`
	Database        string     `json:"database"`
	Status          JobStatus  `json:"status"`
	NumPhases       int        `json:"num_phases"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}

const (
	CheckOK   = "ok"
	CheckWarn = "warn"

	CheckIntensity     = "intensity"
	CheckNumPoints     = "num_points"
	CheckTwoThetaRange = "two_theta_range"
)

type Diagnostics struct {
	TwoThetaMin  float64           `json:"two_theta_min"`
	TwoThetaMax  float64           `json:"two_theta_max"`
	IntensityMin float64           `json:"intensity_min"`
	IntensityMax float64           `json:"intensity_max"`
	NumPoints    int               `json:"num_points"`
	Checks       map[string]string `json:"checks"`
}

// PlaceholderDiagnostics is reported when the pattern could not be read.
func PlaceholderDiagnostics() Diagnostics {
	return Diagnostics{
		Checks: map[string]string{
			CheckIntensity:     CheckWarn,
			CheckNumPoints:     CheckWarn,
			CheckTwoThetaRange: CheckWarn,
		},
	}
}

type PhaseTable struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// SolutionResult is one ranked search outcome. ReportZip holds the archive
// location on the worker's disk; the API rewrites it into a download URL.
type SolutionResult struct {
	Index       int            `json:"index"`
	Rwp         float64        `json:"rwp"`
	NumPhases   int            `json:"num_phases"`
	Plot        map[string]any `json:"plotly_figure"`
	PhasesTable PhaseTable     `json:"phases_table"`
	ReportZip   string         `json:"report_zip_url"`
}

// Degradation records a sub-step that failed without failing the job.
// Solution is the 1-based solution index, or 0 for job-level steps.
type Degradation struct {
	Step     string `json:"step"`
	Solution int    `json:"solution,omitempty"`
	Message  string `json:"message"`
}

type JobDetail struct {
	Job         JobSummary       `json:"job"`
	Diagnostics *Diagnostics     `json:"diagnostics"`
	Solutions   []SolutionResult `json:"solutions"`
	Warnings    []Degradation    `json:"warnings,omitempty"`
}

// TransitionOptions are the optional field writes that accompany a status
// change.
type TransitionOptions struct {
	ErrorMessage *string
	NumPhases    *int
	MarkStarted  bool
	MarkFinished bool
}

type ListFilter struct {
	Status *JobStatus
	User   string
	Limit  int
	Offset int
}
