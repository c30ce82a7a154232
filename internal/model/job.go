package model

import (
	"encoding/json"
	"time"
)

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Pipeline stages, reported at stage boundaries
const (
	StageParse     = "parse"
	StagePlan      = "plan"
	StageResolve   = "resolve"
	StageMix       = "mix"
	StageComposite = "composite"
	StageUpload    = "upload"
)

// RenderJob is the job record. It is mutated only by the job
// controller; everyone else observes it read-only.
type RenderJob struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStage string     `json:"currentStage,omitempty"`
	OutputKey    string     `json:"outputKey,omitempty"`
	OutputURL    string     `json:"outputUrl,omitempty"`
	OutputSize   int64      `json:"outputSize,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// RenderJobPayload is the asynq task body: the immutable timeline
// snapshot plus the encode parameters chosen at request time.
type RenderJobPayload struct {
	JobID     string        `json:"jobId"`
	ProjectID string        `json:"projectId"`
	Document  []byte        `json:"document"`
	Options   RenderOptions `json:"options"`
}

// RenderOptions carries per-request encode overrides. Zero values mean
// "use configured defaults"; EndMs 0 means "to the end of the timeline".
type RenderOptions struct {
	Quality string `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
	StartMs int64  `json:"startMs,omitempty"`
	EndMs   int64  `json:"endMs,omitempty"`
}

// Render quality presets
const (
	QualityDraft    = "draft"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// RenderStartRequest is the body of POST /api/render/start. The
// timeline document is passed through verbatim and validated by the
// timeline parser, not by field tags.
type RenderStartRequest struct {
	ProjectID string          `json:"projectId" validate:"required"`
	Timeline  json.RawMessage `json:"timeline" validate:"required"`
	Quality   string          `json:"quality,omitempty" validate:"omitempty,oneof=draft standard high"`
	Format    string          `json:"format,omitempty" validate:"omitempty,oneof=mp4 webm"`
	StartMs   int64           `json:"startMs,omitempty" validate:"gte=0"`
	EndMs     int64           `json:"endMs,omitempty" validate:"gte=0"`
	Force     bool            `json:"force,omitempty"`
}

type RenderStartResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type RenderStatusResponse struct {
	JobID        string     `json:"jobId"`
	ProjectID    string     `json:"projectId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	CurrentStage string     `json:"currentStage,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	RetryCount   int        `json:"retryCount"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type RenderResultResponse struct {
	JobID       string    `json:"jobId"`
	ProjectID   string    `json:"projectId"`
	OutputURL   string    `json:"outputUrl"`
	OutputSize  int64     `json:"outputSize"`
	CompletedAt time.Time `json:"completedAt"`
}

type RenderCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}
