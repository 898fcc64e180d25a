package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/tuneloop/internal/collector"
	"github.com/tjfontaine/tuneloop/internal/config"
	"github.com/tjfontaine/tuneloop/internal/coordinator"
	"github.com/tjfontaine/tuneloop/internal/domain"
	"github.com/tjfontaine/tuneloop/internal/events"
	"github.com/tjfontaine/tuneloop/internal/trainer"
	"github.com/tjfontaine/tuneloop/internal/version"
)

type memHistory struct {
	mu   sync.Mutex
	runs []*domain.TrainingRun
}

func (h *memHistory) AppendTrainingRun(_ context.Context, run *domain.TrainingRun) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *memHistory) ListTrainingRuns(_ context.Context, _ int) ([]*domain.TrainingRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.TrainingRun(nil), h.runs...), nil
}

type stubBackend struct {
	block chan struct{}
}

func (b *stubBackend) Run(ctx context.Context, req trainer.RunRequest) (*trainer.Result, error) {
	if b.block != nil {
		<-b.block
	}
	if err := os.MkdirAll(req.OutputPath, 0o755); err != nil {
		return nil, err
	}
	return &trainer.Result{ArtifactPath: req.OutputPath, SampleCount: 1}, nil
}

type textRenderer struct{}

func (textRenderer) Render(entry *domain.ConversationEntry) (*domain.TrainingSample, error) {
	return &domain.TrainingSample{Text: entry.TrainingFormat()}, nil
}

func newTestServer(t *testing.T, batchSize int, backend trainer.Backend) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	store, err := collector.New(config.CollectionConfig{
		Enabled:           true,
		MinLength:         5,
		MaxLength:         2000,
		DataPath:          t.TempDir(),
		ConversationsFile: "conversations.jsonl",
	}, logger)
	if err != nil {
		t.Fatalf("collector.New: %v", err)
	}

	versions, err := version.NewManager(t.TempDir(), "v", &memHistory{}, logger)
	if err != nil {
		t.Fatalf("version.NewManager: %v", err)
	}

	log := events.NewLog(nil, nil, false, logger)
	coord, err := coordinator.New(context.Background(), coordinator.Config{
		Store:    store,
		Versions: versions,
		Preparer: textRenderer{},
		Backend:  backend,
		Events:   log,
		Finetune: config.FinetuneConfig{
			BatchSize:   batchSize,
			AutoTrigger: false,
			BackupCount: 3,
			DatasetFile: "dataset.json",
			SettleDelay: 10 * time.Millisecond,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	return New(0, coord, versions, log, 30, logger)
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})
	rec := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id header")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" {
		t.Fatal("handler saw no request id in context")
	}
	if hdr := rec.Header().Get("X-Request-ID"); hdr != seen {
		t.Fatalf("header id %q != context id %q", hdr, seen)
	}
	if GetRequestID(context.Background()) != "" {
		t.Fatal("bare context should have no request id")
	}
}

func TestCollectEndpoint(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/conversations",
		`{"user_message":"how do the tides work","assistant_response":"the moon pulls the ocean around"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var result domain.ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Collected || result.TotalCollected != 1 {
		t.Fatalf("result = %+v", result)
	}

	// A rejected turn still answers 200 with the reason in the ack.
	rec = doJSON(t, srv, http.MethodPost, "/v1/conversations",
		`{"user_message":"hi","assistant_response":"a normal length answer here"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Collected || result.Reason == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestCollectEndpointBadRequests(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/conversations", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/conversations", `{"user_message":"only one side"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing field: status = %d", rec.Code)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	blocked := &stubBackend{block: make(chan struct{})}
	srv := newTestServer(t, 10, blocked)

	// Below threshold without force.
	rec := doJSON(t, srv, http.MethodPost, "/v1/training/trigger", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty delta: status = %d", rec.Code)
	}

	doJSON(t, srv, http.MethodPost, "/v1/conversations",
		`{"user_message":"some training data","assistant_response":"a fine response indeed"}`)

	rec = doJSON(t, srv, http.MethodPost, "/v1/training/trigger?force=true", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("forced: status = %d: %s", rec.Code, rec.Body)
	}

	// A second trigger while the job runs conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/v1/training/trigger", `{"force":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("concurrent: status = %d", rec.Code)
	}

	close(blocked.block)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, 7, &stubBackend{})
	doJSON(t, srv, http.MethodPost, "/v1/conversations",
		`{"user_message":"status check data","assistant_response":"collected for the snapshot"}`)

	rec := doJSON(t, srv, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var st coordinator.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != domain.StateIdle || st.BatchSize != 7 || st.NewDataCount != 1 {
		t.Fatalf("snapshot = %+v", st)
	}
	if st.PendingCount != 6 {
		t.Fatalf("pending = %d, want 6", st.PendingCount)
	}
}

func TestSettingsEndpoint(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})

	rec := doJSON(t, srv, http.MethodPatch, "/v1/settings", `{"batch_size":-5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid setting: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/v1/settings", `{"batch_size":20,"auto_trigger":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Updated map[string]any `json:"updated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Updated) != 2 {
		t.Fatalf("updated = %v", resp.Updated)
	}

	rec = doJSON(t, srv, http.MethodPatch, "/v1/settings", `{"unknown_field":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d", rec.Code)
	}
}

func TestEventsAndMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})
	for i := 0; i < 3; i++ {
		doJSON(t, srv, http.MethodPost, "/v1/conversations",
			fmt.Sprintf(`{"user_message":"question number %d here","assistant_response":"answer number %d here"}`, i, i))
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/events?type=conversation_collected&limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	var evResp struct {
		Count  int             `json:"count"`
		Events []*domain.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &evResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evResp.Count != 2 {
		t.Fatalf("count = %d, want 2", evResp.Count)
	}

	rec = doJSON(t, srv, http.MethodGet, "/v1/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	var metrics struct {
		Events   map[string]int `json:"events"`
		Training struct {
			TotalRuns int `json:"total_runs"`
		} `json:"training"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if metrics.Events["conversation_collected"] != 3 || metrics.Training.TotalRuns != 0 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})
	rec := doJSON(t, srv, http.MethodGet, "/v1/training/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Runs  []*domain.TrainingRun `json:"runs"`
		Count int                   `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 || resp.Runs == nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	srv := newTestServer(t, 10, &stubBackend{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/cleanup", `{"keep_days":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid keep_days: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/v1/cleanup", `{"keep_days":7}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		PurgedEvents int `json:"purged_events"`
		KeepDays     int `json:"keep_days"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.KeepDays != 7 {
		t.Fatalf("keep days = %d", resp.KeepDays)
	}
}
