package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fpang/content-pipeline/internal/queue"
	"github.com/fpang/content-pipeline/internal/secerr"
)

type staticSource struct {
	snap DrainSnapshot
	ok   bool
}

func (s staticSource) LastDrain() (DrainSnapshot, bool) { return s.snap, s.ok }

type failingDepthQueue struct {
	*queue.MemoryQueue
}

func (failingDepthQueue) Depth(context.Context) (int, error) {
	return 0, errors.New("GetQueueAttributes: access denied for arn:aws:sqs:us-east-1:123456789012:work")
}

func TestHealthOK(t *testing.T) {
	q := queue.NewMemoryQueue()
	q.Send(context.Background(), []byte(`{"operation":"process_item"}`))
	q.Send(context.Background(), []byte(`{"operation":"process_item"}`))

	source := staticSource{
		snap: DrainSnapshot{
			FinishedAt:       time.Now(),
			Reason:           "queue_drained",
			ArtifactsCreated: 5,
			DurationSeconds:  12.5,
		},
		ok: true,
	}
	srv := httptest.NewServer(NewServer("process", q, source, secerr.NewReporter("pipeline-process")).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" || body.Stage != "process" {
		t.Errorf("body = %+v", body)
	}
	if body.QueueDepthHint != 2 {
		t.Errorf("QueueDepthHint = %d, want 2", body.QueueDepthHint)
	}
	if body.LastDrain == nil || body.LastDrain.ArtifactsCreated != 5 {
		t.Errorf("LastDrain = %+v", body.LastDrain)
	}
}

func TestHealthBeforeFirstDrain(t *testing.T) {
	srv := httptest.NewServer(NewServer("collect", queue.NewMemoryQueue(), staticSource{}, secerr.NewReporter("pipeline-collect")).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.LastDrain != nil {
		t.Errorf("LastDrain = %+v, want omitted before first cycle", body.LastDrain)
	}
}

func TestHealthDepthErrorIsSanitized(t *testing.T) {
	q := failingDepthQueue{queue.NewMemoryQueue()}
	srv := httptest.NewServer(NewServer("render", q, staticSource{}, secerr.NewReporter("pipeline-render")).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body secerr.SanitizedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ErrorID == "" {
		t.Error("sanitized response missing error_id")
	}
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), "access denied") || strings.Contains(string(raw), "arn:aws") {
		t.Errorf("internal detail leaked in response: %s", raw)
	}
}
