// Package analyzerclient is the orchestrator-side HTTP client for the
// threat-analyzer service. Calls go through a circuit breaker so a dead
// analyzer fails fast instead of holding worker slots for the full timeout.
package analyzerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/threatmodeling/backend/internal/circuitbreaker"
	"github.com/threatmodeling/backend/internal/report"
)

// Analyses can take minutes when every provider in the chain times out.
const requestTimeout = 300 * time.Second

// StatusError is a non-2xx analyzer response. Body is truncated.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analyzer returned status %d: %s", e.Code, e.Body)
}

// Result pairs the raw analyzer payload with its parsed form. Raw is stored
// verbatim in the job record; Report feeds the completion notification.
type Result struct {
	Raw    json.RawMessage
	Report *report.ThreatReport
}

// Client talks to one analyzer base URL.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// New builds a client with the analyzer breaker tuning.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		breaker: circuitbreaker.New(circuitbreaker.AnalyzerConfig()),
	}
}

// Breaker exposes the breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Analyze submits one image for a full threat analysis.
func (c *Client) Analyze(ctx context.Context, image []byte, filename string) (*Result, error) {
	v, err := c.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.analyze(ctx, image, filename)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Client) analyze(ctx context.Context, image []byte, filename string) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", ContentTypeFor(filename))
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	url := c.baseURL + "/api/v1/threat-model/analyze"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(payload), 500)}
	}

	var parsed report.ThreatReport
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode analyzer response: %w", err)
	}
	return &Result{Raw: payload, Report: &parsed}, nil
}

// Unavailable reports whether err means the analyzer could not be reached at
// all, as opposed to it rejecting this particular image.
func Unavailable(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return true
	}
	var se *StatusError
	return !errors.As(err, &se) && err != nil && !errors.Is(err, context.Canceled)
}

// ContentTypeFor maps a filename extension to the upload content type.
func ContentTypeFor(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
