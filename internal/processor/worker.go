package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/snapscribe/snapscribe/internal/common"
	"github.com/snapscribe/snapscribe/internal/config"
	"github.com/snapscribe/snapscribe/internal/jobs"
	"github.com/snapscribe/snapscribe/internal/llm"
	"github.com/snapscribe/snapscribe/internal/llm/ollama"
)

// Worker implements jobs.Processor to run OCR jobs and persist their outcome.
type Worker struct {
	Log   *slog.Logger
	Cfg   *config.Config
	Store jobs.Store
	OCR   llm.Client
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, c llm.Client) *Worker {
	return &Worker{
		Log:   log,
		Cfg:   cfg,
		Store: store,
		OCR:   c,
	}
}

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job
	now := time.Now().UTC()
	if err := w.Store.UpdateStage(job.ID, jobs.StageTranscribing, &now); err != nil {
		return fmt.Errorf("update stage to transcribing: %w", err)
	}

	res := w.OCR.PerformVisionOCR(ctx, job.ImagePath, job.Temperature, promptForJob(job))
	if !res.OK() {
		kind := string(res.Failure)
		w.finishWithError(job.ID, kind)
		w.notify(ctx, job, callbackPayload{
			JobID:   job.ID,
			Status:  common.StatusFailed,
			Stage:   string(jobs.StageFailed),
			Failure: &kind,
		})
		return fmt.Errorf("ocr failed: %s", kind)
	}

	done := time.Now().UTC()
	if err := w.Store.SaveResult(job.ID, res.Text, done); err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	w.notify(ctx, job, callbackPayload{
		JobID:  job.ID,
		Status: common.StatusCompleted,
		Stage:  string(jobs.StageCompleted),
		Text:   &res.Text,
	})
	return nil
}

// promptForJob resolves the per-job prompt: an explicit override wins,
// otherwise the markdown style maps to the built-in markdown prompt, and the
// text style falls through to the client's configured default.
func promptForJob(job jobs.Job) string {
	if job.PromptOverride != nil && *job.PromptOverride != "" {
		return *job.PromptOverride
	}
	if job.PromptStyle == config.PromptStyleMarkdown {
		return ollama.MarkdownTextPrompt
	}
	return ""
}

func (w *Worker) finishWithError(jobID string, failureKind string) {
	done := time.Now().UTC()
	_ = w.Store.SaveError(jobID, failureKind, "ocr returned no text", done)
}

// notify posts the callback if the job carries a URL; callback delivery is
// best-effort and never fails the job.
func (w *Worker) notify(ctx context.Context, job jobs.Job, payload callbackPayload) {
	if job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}
	if err := w.sendCallbackWithRetry(ctx, *job.CallbackURL, payload); err != nil {
		w.Log.Warn("callback failed after retries", "job_id", job.ID, "err", err)
	}
}

type callbackPayload struct {
	JobID   string  `json:"job_id"`
	Status  string  `json:"status"` // completed|failed
	Stage   string  `json:"stage"`
	Failure *string `json:"failure,omitempty"` // encoding|response|unexpected
	Text    *string `json:"text,omitempty"`
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := w.Cfg.Server.CallbackRetries
	if max <= 0 {
		max = 3
	}
	backoff := w.Cfg.Server.CallbackBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := w.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			// If context was cancelled, stop retries.
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			// Sleep with simple backoff
			time.Sleep(time.Duration(attempt) * backoff)
			continue
		}
		return nil
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
