package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/framecut/api/internal/asset"
	"github.com/framecut/api/internal/audiomix"
	"github.com/framecut/api/internal/client"
	"github.com/framecut/api/internal/compositor"
	"github.com/framecut/api/internal/config"
	"github.com/framecut/api/internal/model"
	"github.com/framecut/api/internal/planner"
	"github.com/framecut/api/internal/service"
	"github.com/framecut/api/internal/timeline"
)

// Per-stage progress values. Coarse on purpose: stage boundaries, not
// per-frame updates.
const (
	progressParse     = 5
	progressPlan      = 10
	progressResolve   = 25
	progressMix       = 45
	progressComposite = 85
	progressUpload    = 95
)

const cancelPollInterval = 2 * time.Second

// JobStore is the slice of the render service the worker drives:
// job-record state transitions and progress accounting.
type JobStore interface {
	MarkProcessing(ctx context.Context, jobID string, retryCount int) error
	UpdateProgress(ctx context.Context, jobID string, progress int, stage string) (int, error)
	CompleteJob(ctx context.Context, jobID, outputKey, outputURL string, outputSize int64) error
	FailJob(ctx context.Context, jobID, errMsg string) error
	GetJob(ctx context.Context, jobID string) (*model.RenderJob, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// Broadcaster publishes job events to progress subscribers.
type Broadcaster interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, stage string)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// RenderWorker drives one render job end to end: parse, plan, resolve,
// mix, composite, upload. Attempts are idempotent; a redelivered task
// restarts from parse and overwrites the same output key.
type RenderWorker struct {
	renderService JobStore
	storage       client.StorageClient
	resolver      *asset.Resolver
	mixer         *audiomix.Mixer
	encoder       *compositor.Encoder
	planner       *planner.Planner
	hub           Broadcaster
	cfg           config.RenderConfig
}

func NewRenderWorker(
	renderService JobStore,
	storage client.StorageClient,
	resolver *asset.Resolver,
	mixer *audiomix.Mixer,
	encoder *compositor.Encoder,
	pl *planner.Planner,
	hub Broadcaster,
	cfg config.RenderConfig,
) *RenderWorker {
	return &RenderWorker{
		renderService: renderService,
		storage:       storage,
		resolver:      resolver,
		mixer:         mixer,
		encoder:       encoder,
		planner:       pl,
		hub:           hub,
		cfg:           cfg,
	}
}

// OutputKey is the deterministic artifact location for a job. Retried
// attempts overwrite it; last writer wins, no duplicate artifacts.
func OutputKey(projectID, jobID, format string) string {
	if format == "" {
		format = "mp4"
	}
	return fmt.Sprintf("renders/%s/%s.%s", projectID, jobID, format)
}

// ProcessTask handles one delivery of a render task.
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.RenderJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal render payload: %w", asynq.SkipRetry)
	}
	jobID := payload.JobID
	log.Printf("Starting render job %s (project %s)", jobID, payload.ProjectID)

	retryCount, _ := asynq.GetRetryCount(ctx)
	if err := w.renderService.MarkProcessing(ctx, jobID, retryCount); err != nil {
		if errors.Is(err, service.ErrJobTerminal) {
			// Cancelled (or finished) before we dequeued it
			return nil
		}
		return err
	}

	// Watch for an explicit cancel while the pipeline runs. The watcher
	// cancels jobCtx, which tears down any in-flight subprocess.
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	watchDone := make(chan struct{})
	go w.watchCancellation(jobCtx, jobID, cancelJob, watchDone)

	err := w.render(jobCtx, &payload)
	cancelJob()
	<-watchDone

	if err != nil {
		return w.finishWithError(ctx, jobID, retryCount, err)
	}
	return nil
}

// render runs the staged pipeline. On success the job record is already
// terminal (completed) when it returns.
func (w *RenderWorker) render(ctx context.Context, payload *model.RenderJobPayload) error {
	jobID := payload.JobID
	defer func() {
		if err := w.resolver.Cleanup(jobID); err != nil {
			log.Printf("Failed to clean staging area for job %s: %v", jobID, err)
		}
	}()

	// Stage 1: parse and validate the snapshot
	w.updateProgress(ctx, jobID, progressParse, model.StageParse)
	tl, err := timeline.Parse(payload.Document)
	if err != nil {
		return err
	}
	if payload.Options.StartMs > 0 || payload.Options.EndMs > 0 {
		tl = timeline.Window(tl, payload.Options.StartMs, payload.Options.EndMs)
	}

	encOpts := w.encodeOptions(payload.Options)
	if err := encOpts.Validate(); err != nil {
		return err
	}

	// Stage 2: size the job before any download
	w.updateProgress(ctx, jobID, progressPlan, model.StagePlan)
	decision := w.planner.Plan(tl, encOpts.Width, encOpts.Height)
	log.Printf("Job %s: strategy=%s estimate=%dMB limit=%dMB",
		jobID, decision.Strategy,
		decision.EstimatedPeakBytes>>20, decision.LimitBytes>>20)

	// Stage 3: stage assets locally
	w.updateProgress(ctx, jobID, progressResolve, model.StageResolve)
	assets, err := w.resolver.Resolve(ctx, jobID, tl.AssetIDs())
	if err != nil {
		return err
	}

	// Stage 4: mix audio once for the whole window
	w.updateProgress(ctx, jobID, progressMix, model.StageMix)
	mix, err := w.mixer.Mix(ctx, tl.AudioTracks, tl.DurationMs, assets)
	if err != nil {
		return err
	}

	// Stage 5: composite and encode
	w.updateProgress(ctx, jobID, progressComposite, model.StageComposite)
	workDir := w.resolver.StagingDir(jobID)
	outPath := filepath.Join(workDir, "output."+encOpts.Format)

	switch decision.Strategy {
	case planner.StrategySegmented:
		err = w.compositeSegmented(ctx, tl, assets, mix, encOpts, decision.Segments, workDir, outPath)
	default:
		err = w.compositeSinglePass(ctx, tl, assets, mix, encOpts, workDir, outPath)
	}
	if err != nil {
		return err
	}

	// Stage 6: upload to the deterministic key
	w.updateProgress(ctx, jobID, progressUpload, model.StageUpload)
	key := OutputKey(payload.ProjectID, jobID, encOpts.Format)
	size, err := w.uploadArtifact(ctx, key, outPath, encOpts.Format)
	if err != nil {
		return err
	}

	url := w.storage.GetPublicURL(key)
	if err := w.renderService.CompleteJob(ctx, jobID, key, url, size); err != nil {
		return err
	}

	result := &model.RenderResultResponse{
		JobID:       jobID,
		ProjectID:   payload.ProjectID,
		OutputURL:   url,
		OutputSize:  size,
		CompletedAt: time.Now(),
	}
	w.hub.BroadcastProgress(jobID, 100, model.JobStatusCompleted, "")
	w.hub.BroadcastComplete(jobID, result)
	log.Printf("Render job %s completed (%d bytes)", jobID, size)
	return nil
}

func (w *RenderWorker) compositeSinglePass(
	ctx context.Context,
	tl *model.Timeline,
	assets map[string]string,
	mix *audiomix.Buffer,
	opts compositor.EncodeOptions,
	workDir, outPath string,
) error {
	audioPath := filepath.Join(workDir, "mix.wav")
	if err := mix.WriteWAV(audioPath); err != nil {
		return err
	}

	plan, err := compositor.BuildPlan(tl, assets, opts)
	if err != nil {
		return err
	}
	return w.encoder.Encode(ctx, plan, audioPath, outPath)
}

// compositeSegmented renders bounded time-chunks independently and
// concatenates them, trading wall time for peak memory.
func (w *RenderWorker) compositeSegmented(
	ctx context.Context,
	tl *model.Timeline,
	assets map[string]string,
	mix *audiomix.Buffer,
	opts compositor.EncodeOptions,
	segments []planner.Segment,
	workDir, outPath string,
) error {
	var paths []string
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := timeline.Window(tl, seg.StartMs, seg.EndMs)
		audioPath := filepath.Join(workDir, fmt.Sprintf("mix_%03d.wav", i))
		if err := mix.Slice(seg.StartMs, seg.EndMs).WriteWAV(audioPath); err != nil {
			return err
		}

		plan, err := compositor.BuildPlan(chunk, assets, opts)
		if err != nil {
			return err
		}

		segPath := filepath.Join(workDir, fmt.Sprintf("segment_%03d.%s", i, opts.Format))
		if err := w.encoder.Encode(ctx, plan, audioPath, segPath); err != nil {
			return err
		}
		paths = append(paths, segPath)
	}
	return w.encoder.Concat(ctx, paths, outPath)
}

func (w *RenderWorker) uploadArtifact(ctx context.Context, key, path, format string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	contentType := "video/mp4"
	if format == "webm" {
		contentType = "video/webm"
	}
	if _, err := w.storage.Upload(ctx, key, f, contentType); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// encodeOptions merges the configured defaults with the per-request
// quality preset and format.
func (w *RenderWorker) encodeOptions(o model.RenderOptions) compositor.EncodeOptions {
	opts := compositor.EncodeOptions{
		Width:        w.cfg.Width,
		Height:       w.cfg.Height,
		FPS:          w.cfg.FPS,
		VideoBitrate: w.cfg.VideoBitrate,
		AudioBitrate: w.cfg.AudioBitrate,
		SampleRate:   w.cfg.SampleRate,
		Format:       "mp4",
	}
	switch o.Quality {
	case model.QualityDraft:
		opts.Width = even(opts.Width / 2)
		opts.Height = even(opts.Height / 2)
		opts.VideoBitrate /= 2
	case model.QualityHigh:
		opts.VideoBitrate = opts.VideoBitrate * 3 / 2
	}
	if o.Format != "" {
		opts.Format = o.Format
	}
	return opts
}

func even(n int) int {
	if n%2 != 0 {
		return n + 1
	}
	return n
}

// watchCancellation polls the job record and cancels the job context
// when an explicit cancel is observed.
func (w *RenderWorker) watchCancellation(ctx context.Context, jobID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := w.renderService.IsCancelled(ctx, jobID)
			if err != nil {
				continue
			}
			if cancelled {
				log.Printf("Render job %s cancelled, tearing down", jobID)
				cancel()
				return
			}
		}
	}
}

// finishWithError classifies a pipeline error and turns it into the
// right queue outcome: swallow for cancellation, SkipRetry for fatal
// faults, plain error for retryable ones so the queue redelivers.
func (w *RenderWorker) finishWithError(ctx context.Context, jobID string, retryCount int, err error) error {
	// Explicit cancel: the record is already terminal, nothing to retry.
	// Any other Canceled (the asynq server tearing down in-flight
	// handlers on shutdown) leaves the record untouched and surfaces
	// the error bare, so the queue redelivers and the next attempt
	// restarts from parse.
	if errors.Is(err, context.Canceled) {
		job, gerr := w.renderService.GetJob(ctx, jobID)
		if gerr == nil && job.Status == model.JobStatusCancelled {
			w.hub.BroadcastProgress(jobID, job.Progress, model.JobStatusCancelled, "")
			return nil
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		w.failJob(ctx, jobID, "render timed out")
		return fmt.Errorf("render timed out: %w", asynq.SkipRetry)
	}

	if retryable(err) {
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retryCount >= maxRetry {
			w.failJob(ctx, jobID, err.Error())
			return err
		}
		log.Printf("Render job %s attempt %d failed, will retry: %v", jobID, retryCount+1, err)
		return err
	}

	// Fatal: retrying cannot change the outcome
	w.failJob(ctx, jobID, err.Error())
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// retryable reports whether a redelivered attempt could plausibly
// succeed. Transcoder exits and blob-store faults are transient; a bad
// document or a missing asset is not.
func retryable(err error) bool {
	var (
		toolErr    *compositor.ToolError
		storageErr *client.StorageError
	)
	return errors.As(err, &toolErr) || errors.As(err, &storageErr)
}

func (w *RenderWorker) updateProgress(ctx context.Context, jobID string, progress int, stage string) {
	// Broadcast the guarded value, not the raw stage percent: a
	// redelivered attempt re-runs early stages, and subscribers must
	// never see progress move backwards.
	effective, err := w.renderService.UpdateProgress(ctx, jobID, progress, stage)
	if err != nil {
		log.Printf("Failed to update progress for job %s: %v", jobID, err)
	}
	w.hub.BroadcastProgress(jobID, effective, model.JobStatusProcessing, stage)
}

func (w *RenderWorker) failJob(ctx context.Context, jobID, errMsg string) {
	if err := w.renderService.FailJob(ctx, jobID, errMsg); err != nil {
		log.Printf("Failed to mark job %s failed: %v", jobID, err)
	}
	w.hub.BroadcastError(jobID, "RENDER_FAILED", errMsg)
}
