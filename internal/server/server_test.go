package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapscribe/snapscribe/internal/common"
	"github.com/snapscribe/snapscribe/internal/config"
	"github.com/snapscribe/snapscribe/internal/jobs"
	"github.com/snapscribe/snapscribe/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]*jobs.Job
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*jobs.Job)}
}

func (s *memStore) CreateJob(job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpy := *job
	s.data[job.ID] = &cpy
	return nil
}

func (s *memStore) UpdateStage(id string, stage jobs.Stage, startedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.data[id]; ok {
		j.Stage = stage
		if startedAt != nil {
			st := *startedAt
			j.StartedAt = &st
		}
	}
	return nil
}

func (s *memStore) SaveResult(id string, text string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.data[id]; ok {
		j.Stage = jobs.StageCompleted
		txt := text
		j.ResultText = &txt
		ct := completedAt
		j.CompletedAt = &ct
	}
	return nil
}

func (s *memStore) SaveError(id string, failureKind, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.data[id]; ok {
		j.Stage = jobs.StageFailed
		fk := failureKind
		j.FailureKind = &fk
		e := errMsg
		j.ErrorMessage = &e
		ct := completedAt
		j.CompletedAt = &ct
	}
	return nil
}

func (s *memStore) GetJob(id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.data[id]; ok {
		c := *j
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) Close() error { return nil }

type fakeProcessor struct {
	store *memStore

	mu       sync.Mutex
	lastJob  jobs.Job
	procText string
}

func (p *fakeProcessor) Process(ctx context.Context, item jobs.WorkItem) error {
	p.mu.Lock()
	p.lastJob = item.Job
	text := p.procText
	p.mu.Unlock()
	if text == "" {
		text = "Recognized text"
	}
	// Simulate synchronous completion by marking the job complete
	return p.store.SaveResult(item.Job.ID, text, time.Now().UTC())
}

func (p *fakeProcessor) last() jobs.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastJob
}

func testService(t *testing.T, store *memStore, proc jobs.Processor, queue *jobs.Queue) *Service {
	t.Helper()
	tmp := t.TempDir()
	return &Service{
		Log: nil,
		Cfg: &config.Config{
			Server: config.ServerConfig{
				Addr:            ":0",
				MaxUploadSize:   config.ByteSize(10 * 1024 * 1024),
				StorageDir:      tmp,
				CallbackRetries: 1,
				CallbackBackoff: 10 * time.Millisecond,
			},
			OCR: config.OCRConfig{
				Provider:    "mock",
				Temperature: 0.3,
				PromptStyle: config.PromptStyleText,
			},
		},
		Store:     store,
		Queue:     queue,
		Uploader:  storage.NewUploader(tmp),
		Processor: proc,
	}
}

func TestHealthz(t *testing.T) {
	svc := testService(t, newMemStore(), nil, nil)
	srv := NewHTTPServer(svc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, common.PathHealthz, nil)
	srv.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func makeMultipart(t *testing.T, filename string, content []byte, fields map[string]string) (string, *bytes.Buffer) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(content)); err != nil {
		t.Fatalf("copy: %v", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return w.FormDataContentType(), &b
}

func TestCreateOCR_Synchronous200(t *testing.T) {
	store := newMemStore()
	proc := &fakeProcessor{store: store}
	svc := testService(t, store, proc, nil) // queue not used in sync path
	server := NewHTTPServer(svc)

	ctype, body := makeMultipart(t, "img.png", []byte("img"), map[string]string{
		"temperature":  "0.9",
		"prompt_style": "markdown",
	})
	req := httptest.NewRequest(http.MethodPost, common.PathOCR, body)
	req.Header.Set("Content-Type", ctype)
	// no Prefer header => synchronous
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp["stage"] != string(jobs.StageCompleted) {
		t.Fatalf("stage not completed: %v", resp["stage"])
	}
	if resp["text"] != "Recognized text" {
		t.Fatalf("text missing from response: %v", resp)
	}

	// OCR parameters must flow into the job unchanged
	got := proc.last()
	if got.Temperature != 0.9 {
		t.Fatalf("temperature not passed through: %v", got.Temperature)
	}
	if got.PromptStyle != config.PromptStyleMarkdown {
		t.Fatalf("prompt style not passed through: %q", got.PromptStyle)
	}
}

func TestCreateOCR_Asynchronous202(t *testing.T) {
	store := newMemStore()
	proc := &fakeProcessor{store: store}

	// Real queue with a fake processor
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	queue := jobs.NewQueue(logger, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := queue.Start(ctx, proc); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	defer queue.Shutdown(1 * time.Second)

	svc := testService(t, store, proc, queue)
	server := NewHTTPServer(svc)

	ctype, body := makeMultipart(t, "img.jpg", []byte("img"), nil)
	req := httptest.NewRequest(http.MethodPost, common.PathOCR, body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(common.HeaderPrefer, common.PreferRespondAsync)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if _, ok := resp["job_id"]; !ok {
		t.Fatalf("missing job_id")
	}
	if su, ok := resp["status_url"].(string); !ok || !strings.HasPrefix(su, common.PathOCR) {
		t.Fatalf("status_url invalid: %v", resp["status_url"])
	}
}

func TestCreateOCR_RejectsBadPromptStyle(t *testing.T) {
	store := newMemStore()
	svc := testService(t, store, &fakeProcessor{store: store}, nil)
	server := NewHTTPServer(svc)

	ctype, body := makeMultipart(t, "img.png", []byte("img"), map[string]string{
		"prompt_style": "interpretive-dance",
	})
	req := httptest.NewRequest(http.MethodPost, common.PathOCR, body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetOCR_NotFound(t *testing.T) {
	store := newMemStore()
	svc := testService(t, store, &fakeProcessor{store: store}, nil)
	server := NewHTTPServer(svc)

	req := httptest.NewRequest(http.MethodGet, common.PathOCR+"/00000000-0000-4000-8000-000000000000", nil)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	store := newMemStore()
	svc := testService(t, store, &fakeProcessor{store: store}, nil)
	svc.Cfg.Server.APIKey = "sekrit"
	server := NewHTTPServer(svc)

	ctype, body := makeMultipart(t, "img.png", []byte("img"), nil)
	req := httptest.NewRequest(http.MethodPost, common.PathOCR, body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, common.PathOCR, body)
	req.Header.Set("Content-Type", ctype)
	req.Header.Set(common.HeaderAPIKey, "sekrit")
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("expected request with key to pass auth, got %d", rec.Code)
	}
}
