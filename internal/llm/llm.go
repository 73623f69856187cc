package llm

import (
	"context"
)

// FailureKind tags why an OCR call produced no text.
type FailureKind string

const (
	// FailureNone marks a successful call.
	FailureNone FailureKind = ""
	// FailureEncoding means the image file was missing or unreadable; no request was sent.
	FailureEncoding FailureKind = "encoding"
	// FailureResponse means the server answered with an error status or without usable text content.
	FailureResponse FailureKind = "response"
	// FailureUnexpected covers any other error during the call, e.g. transport failures.
	FailureUnexpected FailureKind = "unexpected"
)

// Result is the outcome of a single OCR call. A call either yields the full
// stripped transcription or nothing; partial text is never returned.
type Result struct {
	Text    string
	Failure FailureKind
}

// OK reports whether the call produced a transcription.
func (r Result) OK() bool {
	return r.Failure == FailureNone
}

// Success wraps a transcription into a Result.
func Success(text string) Result {
	return Result{Text: text}
}

// Failed returns an absent Result tagged with the failure kind.
func Failed(kind FailureKind) Result {
	return Result{Failure: kind}
}

// Client defines the capability to transcribe text found in an image file.
type Client interface {
	// PerformVisionOCR reads the image at imagePath and asks the model to
	// transcribe it. promptOverride replaces the configured default prompt when
	// non-empty. temperature is passed through to the model verbatim.
	//
	// Every per-call fault is converted into an absent Result; callers branch
	// on Result.OK rather than on error values. Diagnostics are logged.
	PerformVisionOCR(ctx context.Context, imagePath string, temperature float64, promptOverride string) Result
}
