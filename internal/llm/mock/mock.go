package mock

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/snapscribe/snapscribe/internal/config"
	"github.com/snapscribe/snapscribe/internal/llm"
)

var _ llm.Client = (*Client)(nil)

// Client is an OCR client returning canned text after an optional delay.
// Useful for tests and for running the service without a model server.
type Client struct {
	delay time.Duration
	text  string
	log   *slog.Logger
}

// New creates a new mock OCR client.
func New(cfg config.MockSettings, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		delay: cfg.Delay,
		text:  cfg.Text,
		log:   log,
	}
}

// PerformVisionOCR implements llm.Client with the same soft-failure contract
// as the real provider: a missing image yields an absent result, never an error.
func (c *Client) PerformVisionOCR(ctx context.Context, imagePath string, temperature float64, promptOverride string) llm.Result {
	if _, err := os.Stat(imagePath); err != nil {
		c.log.Error("read image", "path", imagePath, "err", err)
		return llm.Failed(llm.FailureEncoding)
	}
	if c.delay > 0 {
		timer := time.NewTimer(c.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			c.log.Error("mock ocr cancelled", "err", ctx.Err())
			return llm.Failed(llm.FailureUnexpected)
		case <-timer.C:
		}
	}
	return llm.Success(c.text)
}
