package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"engine-broker/internal/bus"
	"engine-broker/internal/clock"
	"engine-broker/internal/config"
	"engine-broker/internal/models"
	"engine-broker/internal/queue"
	"engine-broker/internal/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Engine) {
	t.Helper()
	rec, err := telemetry.NewRecorder(100, "")
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	eng := queue.NewEngine(queue.Config{
		JobTimeout:    15 * time.Second,
		DispatchGrace: time.Second,
		MaxRetries:    2,
	}, clock.New(), rec, nil)
	t.Cleanup(eng.Stop)

	s := New(config.Config{}, eng, rec, bus.New(50), nil, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSubmitWorld(t *testing.T) {
	srv, eng := newTestServer(t)

	resp := postJSON(t, srv.URL+"/worlds", `{
		"userId": "u1",
		"config": {
			"scene": {"id": "forest"},
			"entities": [{"id": "hero", "type": "player"}]
		},
		"gameParams": {"mode": "survival"}
	}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body struct {
		BatchID  string   `json:"batchId"`
		JobIDs   []string `json:"jobIds"`
		JobCount int      `json:"jobCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// scene + assets + 1 entity + loop
	if body.JobCount != 4 || len(body.JobIDs) != 4 || body.BatchID == "" {
		t.Fatalf("unexpected response: %+v", body)
	}

	job, ok := eng.GetJob(body.JobIDs[0])
	if !ok || job.Type != models.JobBuildScene || job.UserID != "u1" {
		t.Fatalf("first job not registered as BUILD_SCENE for u1: %+v", job)
	}
}

func TestSubmitWorldValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		body string
		want string
	}{
		{`{"userId": "u1"}`, "missing_config"},
		{`{"config": {"scene": {}, "entities": []}}`, "schema_validation_failed"},
		{`not json`, "invalid_json"},
	}
	for _, tc := range cases {
		resp := postJSON(t, srv.URL+"/worlds", tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.want, resp.StatusCode)
		}
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, body.Error)
		}
	}
}

func TestEndGame(t *testing.T) {
	srv, eng := newTestServer(t)

	resp := postJSON(t, srv.URL+"/games/end", `{"userId": "u1", "finalScore": 900, "duration": 60000}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Type != models.JobEndGame {
		t.Fatalf("expected END_GAME, got %s", job.Type)
	}
	if got, ok := eng.GetJob(job.ID); !ok || got.Status != models.StatusQueued {
		t.Fatalf("expected job queued, got %+v ok=%v", got, ok)
	}
}

func TestGetJob(t *testing.T) {
	srv, eng := newTestServer(t)

	job, err := models.NewJob(models.ScenePayload{SceneID: "s1"}, time.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/jobs/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp2.StatusCode)
	}
}

func TestTelemetryTail(t *testing.T) {
	srv, eng := newTestServer(t)

	job, err := models.NewJob(models.ScenePayload{SceneID: "s1"}, time.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := eng.Enqueue(job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp, err := http.Get(srv.URL + "/telemetry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Records []telemetry.Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) == 0 || body.Records[0].Event != telemetry.EventJobQueued {
		t.Fatalf("expected a JOB_QUEUED record, got %+v", body.Records)
	}
}
