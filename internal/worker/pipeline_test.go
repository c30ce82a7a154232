package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
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
)

// memJobStore keeps the job record in memory, applying the same
// progress guard as the redis-backed service.
type memJobStore struct {
	mu     sync.Mutex
	job    model.RenderJob
	stages []string
}

func newMemJobStore(jobID, projectID string) *memJobStore {
	return &memJobStore{job: model.RenderJob{
		ID:        jobID,
		ProjectID: projectID,
		Status:    model.JobStatusQueued,
		CreatedAt: time.Now(),
	}}
}

func (s *memJobStore) MarkProcessing(_ context.Context, _ string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status.Terminal() {
		return service.ErrJobTerminal
	}
	s.job.Status = model.JobStatusProcessing
	s.job.RetryCount = retryCount
	return nil
}

func (s *memJobStore) UpdateProgress(_ context.Context, _ string, progress int, stage string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, stage)
	if progress > s.job.Progress {
		s.job.Progress = progress
	}
	s.job.CurrentStage = stage
	return s.job.Progress, nil
}

func (s *memJobStore) CompleteJob(_ context.Context, _ string, key, url string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = model.JobStatusCompleted
	s.job.Progress = 100
	s.job.OutputKey = key
	s.job.OutputURL = url
	s.job.OutputSize = size
	return nil
}

func (s *memJobStore) FailJob(_ context.Context, _ string, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.Status == model.JobStatusCancelled {
		return nil
	}
	s.job.Status = model.JobStatusFailed
	s.job.ErrorMessage = msg
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, _ string) (*model.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	return &j, nil
}

func (s *memJobStore) IsCancelled(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status == model.JobStatusCancelled, nil
}

func (s *memJobStore) snapshot() model.RenderJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

type progressEvent struct {
	Progress int
	Status   model.JobStatus
	Stage    string
}

type recordingHub struct {
	mu       sync.Mutex
	events   []progressEvent
	complete bool
	errors   []string
}

func (h *recordingHub) BroadcastProgress(_ string, progress int, status model.JobStatus, stage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, progressEvent{progress, status, stage})
}

func (h *recordingHub) BroadcastComplete(_ string, _ interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete = true
}

func (h *recordingHub) BroadcastError(_ string, code, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, code+": "+msg)
}

// memStorage is an in-memory blob store for pipeline tests.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]int64
}

func newMemStorage(objects map[string][]byte) *memStorage {
	return &memStorage{objects: objects, uploads: make(map[string]int64)}
}

func (s *memStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[key] = int64(len(data))
	return key, nil
}

func (s *memStorage) Download(_ context.Context, key string, dst io.Writer) (int64, error) {
	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, client.ErrObjectNotFound)
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (s *memStorage) Delete(_ context.Context, _ string) error { return nil }

func (s *memStorage) Head(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.objects[key]; ok {
		return int64(len(data)), nil
	}
	return 0, client.ErrObjectNotFound
}

func (s *memStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.test/" + key, nil
}

func (s *memStorage) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

// toneDecoder emits a fixed-amplitude stereo source for every asset.
type toneDecoder struct{ rate int }

func (d toneDecoder) Decode(_ context.Context, _ string) ([]float64, error) {
	out := make([]float64, d.rate*2*5)
	for i := range out {
		out[i] = 0.25
	}
	return out, nil
}

// touchRunner stands in for the transcoder: it records each invocation
// and produces the output file the pipeline expects to find.
type touchRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *touchRunner) Run(_ context.Context, _ string, args []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	return os.WriteFile(args[len(args)-1], []byte("encoded frames"), 0o644)
}

const pipelineDoc = `{
	"layers": [{"id": "l-bg", "type": "background", "order": 0, "clips": [
		{"id": "c-bg", "asset_id": "a-video", "start_ms": 0, "duration_ms": 4000}
	]}],
	"audio_tracks": [{"id": "t-bgm", "type": "bgm", "clips": [
		{"id": "c-bgm", "asset_id": "a-music", "start_ms": 0, "duration_ms": 4000, "volume": 0.5}
	]}]
}`

func newPipelineWorker(t *testing.T, store *memJobStore, storage *memStorage, hub *recordingHub) *RenderWorker {
	t.Helper()
	cfg := config.RenderConfig{
		WorkDir:      t.TempDir(),
		Width:        1280,
		Height:       720,
		FPS:          30,
		VideoBitrate: 4000,
		AudioBitrate: 192,
		SampleRate:   8000, // keeps mix buffers small
	}
	return NewRenderWorker(
		store,
		storage,
		asset.NewResolver(storage, cfg.WorkDir, 2),
		audiomix.NewMixer(toneDecoder{rate: cfg.SampleRate}, cfg.SampleRate),
		compositor.NewEncoderWithRunner("ffmpeg", &touchRunner{}),
		planner.NewPlanner(64<<30, 60),
		hub,
		cfg,
	)
}

func renderTask(t *testing.T, jobID, projectID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(model.RenderJobPayload{
		JobID:     jobID,
		ProjectID: projectID,
		Document:  []byte(pipelineDoc),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(service.TaskTypeRender, payload)
}

func TestProcessTaskRendersToCompletion(t *testing.T) {
	store := newMemJobStore("job-1", "proj-1")
	storage := newMemStorage(map[string][]byte{
		"assets/a-video": []byte("video-bytes"),
		"assets/a-music": []byte("music-bytes"),
	})
	hub := &recordingHub{}
	w := newPipelineWorker(t, store, storage, hub)

	if err := w.ProcessTask(context.Background(), renderTask(t, "job-1", "proj-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	job := store.snapshot()
	if job.Status != model.JobStatusCompleted || job.Progress != 100 {
		t.Fatalf("job = %s at %d%%, want completed at 100", job.Status, job.Progress)
	}
	if job.OutputKey != "renders/proj-1/job-1.mp4" {
		t.Errorf("output key = %q", job.OutputKey)
	}
	if size, ok := storage.uploads[job.OutputKey]; !ok || size == 0 {
		t.Errorf("no artifact uploaded at %q", job.OutputKey)
	}

	wantStages := []string{
		model.StageParse, model.StagePlan, model.StageResolve,
		model.StageMix, model.StageComposite, model.StageUpload,
	}
	if !reflect.DeepEqual(store.stages, wantStages) {
		t.Errorf("stages = %v, want %v", store.stages, wantStages)
	}

	if len(hub.events) == 0 {
		t.Fatal("no progress events published")
	}
	for i := 1; i < len(hub.events); i++ {
		if hub.events[i].Progress < hub.events[i-1].Progress {
			t.Fatalf("progress went backwards: %v", hub.events)
		}
	}
	last := hub.events[len(hub.events)-1]
	if last.Progress != 100 || last.Status != model.JobStatusCompleted {
		t.Errorf("final event = %+v, want 100/completed", last)
	}
	if !hub.complete {
		t.Error("completion event not published")
	}
}

func TestProcessTaskMissingAssetFailsWithoutUpload(t *testing.T) {
	store := newMemJobStore("job-2", "proj-1")
	storage := newMemStorage(map[string][]byte{
		"assets/a-video": []byte("video-bytes"),
	})
	hub := &recordingHub{}
	w := newPipelineWorker(t, store, storage, hub)

	err := w.ProcessTask(context.Background(), renderTask(t, "job-2", "proj-1"))
	if err == nil || !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry for a missing asset", err)
	}

	job := store.snapshot()
	if job.Status != model.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "a-music") {
		t.Errorf("failure %q does not name the missing asset", job.ErrorMessage)
	}
	if len(storage.uploads) != 0 {
		t.Errorf("artifact uploaded despite failure: %v", storage.uploads)
	}
	if len(hub.errors) == 0 {
		t.Error("no error event published")
	}
}

func TestRedeliveredAttemptNeverReportsBackwardProgress(t *testing.T) {
	store := newMemJobStore("job-3", "proj-1")
	store.job.Status = model.JobStatusProcessing
	store.job.Progress = 85 // prior attempt died during composite

	storage := newMemStorage(map[string][]byte{
		"assets/a-video": []byte("video-bytes"),
		"assets/a-music": []byte("music-bytes"),
	})
	hub := &recordingHub{}
	w := newPipelineWorker(t, store, storage, hub)

	if err := w.ProcessTask(context.Background(), renderTask(t, "job-3", "proj-1")); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	for _, ev := range hub.events {
		if ev.Progress < 85 {
			t.Fatalf("subscriber saw %d%% after 85%% was already reported", ev.Progress)
		}
	}
	if job := store.snapshot(); job.Progress != 100 {
		t.Fatalf("final progress = %d, want 100", job.Progress)
	}
}

func TestShutdownInterruptionStaysRetryable(t *testing.T) {
	store := newMemJobStore("job-4", "proj-1")
	store.job.Status = model.JobStatusProcessing
	hub := &recordingHub{}
	w := &RenderWorker{renderService: store, hub: hub}

	err := w.finishWithError(context.Background(), "job-4", 0, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want the bare cancellation so the queue redelivers", err)
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatal("interrupted attempt must not archive the task")
	}
	if job := store.snapshot(); job.Status != model.JobStatusProcessing {
		t.Fatalf("job status = %s, record must stay untouched", job.Status)
	}
}

func TestExplicitCancelAcksDelivery(t *testing.T) {
	store := newMemJobStore("job-5", "proj-1")
	store.job.Status = model.JobStatusCancelled
	store.job.Progress = 45
	hub := &recordingHub{}
	w := &RenderWorker{renderService: store, hub: hub}

	if err := w.finishWithError(context.Background(), "job-5", 0, context.Canceled); err != nil {
		t.Fatalf("err = %v, want nil ack for a cancelled job", err)
	}
	if len(hub.events) == 0 {
		t.Fatal("no event published")
	}
	last := hub.events[len(hub.events)-1]
	if last.Status != model.JobStatusCancelled || last.Progress != 45 {
		t.Errorf("event = %+v, want cancelled at the stored progress", last)
	}
}
