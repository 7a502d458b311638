// Package summarizer defines the boundary to the external summarization service.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Options are the per-task parameters passed to the summarizer.
type Options struct {
	// SummaryLength is the requested summary length in characters
	SummaryLength int `json:"summary_length"`

	// Model selects a model; empty lets the service choose
	Model string `json:"model,omitempty"`
}

// Result is the outcome of summarizing one file.
type Result struct {
	Success bool   `json:"success"`
	Summary string `json:"summary"`

	// Tags is an optional chain tag suggested by the service
	Tags string `json:"tags,omitempty"`

	Error string `json:"error,omitempty"`
}

// Summarizer produces a summary for one file.
//
// A returned error means the call itself failed (transport, protocol). A
// completed call that could not summarize the file returns a Result with
// Success false and Error set.
type Summarizer interface {
	Summarize(ctx context.Context, filePath string, opts Options) (*Result, error)
}

// CapabilityChecker is implemented by summarizers that can report whether the
// service is usable before a task starts.
type CapabilityChecker interface {
	Available(ctx context.Context) error
}

// HTTPSummarizer calls a summarization service over HTTP.
//
// Summarize POSTs {"file_path", "summary_length", "model"} to URL and decodes a
// Result. Available GETs URL + "/health".
type HTTPSummarizer struct {
	URL    string
	Client *http.Client
}

// NewHTTPSummarizer creates an HTTPSummarizer with the given request timeout.
func NewHTTPSummarizer(url string, timeout time.Duration) *HTTPSummarizer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPSummarizer{
		URL:    strings.TrimRight(url, "/"),
		Client: &http.Client{Timeout: timeout},
	}
}

type summarizeRequest struct {
	FilePath      string `json:"file_path"`
	SummaryLength int    `json:"summary_length"`
	Model         string `json:"model,omitempty"`
}

// Summarize implements Summarizer.
func (h *HTTPSummarizer) Summarize(ctx context.Context, filePath string, opts Options) (*Result, error) {
	body, err := json.Marshal(summarizeRequest{
		FilePath:      filePath,
		SummaryLength: opts.SummaryLength,
		Model:         opts.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summarizer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("summarizer returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode summarizer response: %w", err)
	}

	slog.Debug("Summarizer responded", "file", filePath, "success", result.Success, "elapsed", time.Since(start))
	return &result, nil
}

// Available implements CapabilityChecker.
func (h *HTTPSummarizer) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("summarizer unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("summarizer unavailable: %s", resp.Status)
	}
	return nil
}

var (
	_ Summarizer        = (*HTTPSummarizer)(nil)
	_ CapabilityChecker = (*HTTPSummarizer)(nil)
)
