package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/framecut/api/internal/config"
	"github.com/framecut/api/internal/model"
	"github.com/framecut/api/internal/timeline"
)

const TaskTypeRender = "render:process"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobNotCompleted = errors.New("job not completed")
	ErrJobTerminal     = errors.New("job already finished")
	ErrRenderInFlight  = errors.New("render already in flight for project")
)

const jobRetention = 24 * time.Hour

// RenderService owns the job records. Workers report progress and
// terminal transitions through it; handlers read through it.
type RenderService struct {
	redis       *redis.Client
	asynqClient *asynq.Client
	cfg         config.RenderConfig
}

func NewRenderService(redisClient *redis.Client, asynqClient *asynq.Client, cfg config.RenderConfig) *RenderService {
	return &RenderService{
		redis:       redisClient,
		asynqClient: asynqClient,
		cfg:         cfg,
	}
}

// StartRender validates the timeline document, creates the job record,
// and enqueues the render task. Validation failures are reported to the
// caller before anything is queued or staged.
func (s *RenderService) StartRender(ctx context.Context, req *model.RenderStartRequest) (*model.RenderStartResponse, error) {
	// Fail fast on a malformed document; no job record, no queue entry
	if _, err := timeline.Parse(req.Timeline); err != nil {
		return nil, err
	}

	if !req.Force {
		active, err := s.activeJobFor(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		if active != "" {
			return nil, fmt.Errorf("%w: job %s", ErrRenderInFlight, active)
		}
	}

	jobID := uuid.New().String()
	now := time.Now()

	job := &model.RenderJob{
		ID:        jobID,
		ProjectID: req.ProjectID,
		Status:    model.JobStatusQueued,
		Progress:  0,
		CreatedAt: now,
	}

	payload := &model.RenderJobPayload{
		JobID:     jobID,
		ProjectID: req.ProjectID,
		Document:  req.Timeline,
		Options: model.RenderOptions{
			Quality: req.Quality,
			Format:  req.Format,
			StartMs: req.StartMs,
			EndMs:   req.EndMs,
		},
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := s.setActiveJob(ctx, req.ProjectID, jobID); err != nil {
		return nil, err
	}

	task := asynq.NewTask(TaskTypeRender, payloadBytes)
	_, err = s.asynqClient.Enqueue(task,
		asynq.Queue("render"),
		asynq.MaxRetry(s.cfg.MaxRetry),
		asynq.Timeout(time.Duration(s.cfg.HardTimeout)*time.Second),
		asynq.Retention(jobRetention),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.RenderStartResponse{
		JobID:     jobID,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *RenderService) GetStatus(ctx context.Context, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.RenderStatusResponse{
		JobID:        job.ID,
		ProjectID:    job.ProjectID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStage: job.CurrentStage,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}, nil
}

func (s *RenderService) GetResult(ctx context.Context, jobID string) (*model.RenderResultResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}

	return &model.RenderResultResponse{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		OutputURL:   job.OutputURL,
		OutputSize:  job.OutputSize,
		CompletedAt: *job.CompletedAt,
	}, nil
}

// CancelRender requests cancellation. A queued job flips to cancelled
// immediately; a processing job is flipped here and the worker observes
// the flag between stages and aborts.
func (s *RenderService) CancelRender(ctx context.Context, jobID string) (*model.RenderCancelResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return nil, ErrJobTerminal
	}

	job.Status = model.JobStatusCancelled
	now := time.Now()
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	s.clearActiveJob(ctx, job.ProjectID, jobID)

	return &model.RenderCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCancelled,
	}, nil
}

// IsCancelled is polled by the worker between stages.
func (s *RenderService) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == model.JobStatusCancelled, nil
}

// MarkProcessing transitions queued→processing on dequeue. RetryCount
// comes from the queue runtime so redeliveries are visible in status.
func (s *RenderService) MarkProcessing(ctx context.Context, jobID string, retryCount int) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	job.Status = model.JobStatusProcessing
	job.RetryCount = retryCount
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	return s.saveJob(ctx, job)
}

// UpdateProgress records a stage boundary and returns the effective
// progress after the monotonicity guard: progress never moves backwards
// for a job, even across a retried attempt, and callers must report the
// returned value rather than the raw stage percent.
func (s *RenderService) UpdateProgress(ctx context.Context, jobID string, progress int, stage string) (int, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return progress, err
	}
	if job.Status.Terminal() {
		return job.Progress, nil
	}

	if progress > job.Progress {
		job.Progress = progress
	}
	job.CurrentStage = stage
	return job.Progress, s.saveJob(ctx, job)
}

func (s *RenderService) CompleteJob(ctx context.Context, jobID, outputKey, outputURL string, outputSize int64) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.CurrentStage = ""
	job.OutputKey = outputKey
	job.OutputURL = outputURL
	job.OutputSize = outputSize
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.clearActiveJob(ctx, job.ProjectID, jobID)
	return nil
}

func (s *RenderService) FailJob(ctx context.Context, jobID, errMsg string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCancelled {
		return nil
	}

	now := time.Now()
	job.Status = model.JobStatusFailed
	job.ErrorMessage = errMsg
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	s.clearActiveJob(ctx, job.ProjectID, jobID)
	return nil
}

func (s *RenderService) GetJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RenderService) saveJob(ctx context.Context, job *model.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobRetention).Err()
}

func (s *RenderService) activeJobFor(ctx context.Context, projectID string) (string, error) {
	id, err := s.redis.Get(ctx, activeKey(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// Stale index entries (crashed worker past retention) are ignored
	job, err := s.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return "", nil
	}
	return id, nil
}

func (s *RenderService) setActiveJob(ctx context.Context, projectID, jobID string) error {
	return s.redis.Set(ctx, activeKey(projectID), jobID, jobRetention).Err()
}

func (s *RenderService) clearActiveJob(ctx context.Context, projectID, jobID string) {
	// Only clear if the index still points at this job
	current, err := s.redis.Get(ctx, activeKey(projectID)).Result()
	if err != nil || current != jobID {
		return
	}
	s.redis.Del(ctx, activeKey(projectID))
}

func jobKey(jobID string) string {
	return fmt.Sprintf("render:job:%s", jobID)
}

func activeKey(projectID string) string {
	return fmt.Sprintf("render:project:%s:active", projectID)
}
