package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
)

func validRenderStartBody() string {
	projectID := uuid.New().String()
	return fmt.Sprintf(`{
		"projectId": "%s",
		"timeline": {
			"layers": [
				{
					"id": "layer-bg",
					"name": "Background",
					"type": "background",
					"order": 0,
					"clips": [
						{"id": "clip-bg", "asset_id": "asset-bg", "start_ms": 0, "duration_ms": 5000}
					]
				}
			],
			"audio_tracks": [
				{
					"id": "track-bgm",
					"type": "bgm",
					"clips": [
						{"id": "clip-bgm", "asset_id": "asset-bgm", "start_ms": 0, "duration_ms": 5000}
					]
				}
			]
		}
	}`, projectID)
}

func TestRenderStart_Success(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", validRenderStartBody())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	if result["jobId"] == nil || result["jobId"] == "" {
		t.Error("expected 'jobId' in response")
	}
	if result["status"] != "queued" {
		t.Errorf("expected status 'queued', got %v", result["status"])
	}
}

func TestRenderStart_InvalidBody(t *testing.T) {
	ta := setupApp(t)

	// Missing required timeline field
	body := `{"projectId": "proj-1"}`

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestRenderStart_MalformedTimeline(t *testing.T) {
	ta := setupApp(t)

	// Negative clip start must be rejected before anything is queued
	body := fmt.Sprintf(`{
		"projectId": "%s",
		"timeline": {
			"layers": [
				{
					"id": "layer-1",
					"type": "content",
					"order": 0,
					"clips": [
						{"id": "clip-1", "asset_id": "a", "start_ms": -100, "duration_ms": 1000}
					]
				}
			],
			"audio_tracks": []
		}
	}`, uuid.New().String())

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)

	result := parseJSON(t, resp)
	errObj := result["error"].(map[string]interface{})
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected error code VALIDATION_ERROR, got %v", errObj["code"])
	}
}

func TestRenderStart_DuplicateRejectedWithoutForce(t *testing.T) {
	ta := setupApp(t)

	body := validRenderStartBody()
	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", body)
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	readBody(t, resp)

	resp, err = doRequest(ta.app, http.MethodPost, "/api/render/start", body)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
}

func TestRenderStatus_Success(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", validRenderStartBody())
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	startResult := parseJSON(t, resp)
	jobID := startResult["jobId"].(string)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/render/status/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	statusResult := parseJSON(t, resp)
	if statusResult["jobId"] != jobID {
		t.Errorf("expected jobId %s, got %v", jobID, statusResult["jobId"])
	}
	if statusResult["status"] != "queued" {
		t.Errorf("expected status 'queued', got %v", statusResult["status"])
	}
}

func TestRenderStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	fakeJobID := uuid.New().String()
	resp, err := doRequest(ta.app, http.MethodGet, "/api/render/status/"+fakeJobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)

	result := parseJSON(t, resp)
	errObj := result["error"].(map[string]interface{})
	if errObj["code"] != "NOT_FOUND" {
		t.Errorf("expected error code NOT_FOUND, got %v", errObj["code"])
	}
}

func TestRenderResult_NotCompleted(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", validRenderStartBody())
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	startResult := parseJSON(t, resp)
	jobID := startResult["jobId"].(string)

	// No worker running, so the job is still queued
	resp, err = doRequest(ta.app, http.MethodGet, "/api/render/result/"+jobID, "")
	if err != nil {
		t.Fatalf("result request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestRenderCancel_QueuedJob(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/render/start", validRenderStartBody())
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	startResult := parseJSON(t, resp)
	jobID := startResult["jobId"].(string)

	resp, err = doRequest(ta.app, http.MethodPost, "/api/render/cancel/"+jobID, "")
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	cancelResult := parseJSON(t, resp)
	if cancelResult["status"] != "cancelled" {
		t.Errorf("expected status 'cancelled', got %v", cancelResult["status"])
	}

	// Cancelling again must be rejected
	resp, err = doRequest(ta.app, http.MethodPost, "/api/render/cancel/"+jobID, "")
	if err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %v", result["status"])
	}
}
