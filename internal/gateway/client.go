// Package gateway is the client for the external text-generation service.
// Each call is a single request/response with no retries; callers decide how
// to recover from a failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable wraps every failure: transport errors, non-2xx statuses and
// unusable bodies.
var ErrUnavailable = errors.New("generation service unavailable")

const maxBodyBytes = 10 * 1024 * 1024

// SectionRequest asks for an explanation of a section in light of a concern.
type SectionRequest struct {
	SectionTitle   string `json:"sectionTitle"`
	Citation       string `json:"oar"`
	CurrentText    string `json:"currentText"`
	Concern        string `json:"concern"`
	Classification string `json:"classification"`
	State          string `json:"state"`
}

// FormRequest asks for the HTML of a compliance form.
type FormRequest struct {
	FormName       string `json:"formName"`
	SectionTitle   string `json:"sectionTitle"`
	Citation       string `json:"oar"`
	Classification string `json:"classification"`
	State          string `json:"state"`
	AgencyName     string `json:"agencyName"`
	AgencyTagline  string `json:"agencyTagline"`
}

// ChatRequest is a free-form follow-up question.
type ChatRequest struct {
	Question       string `json:"question"`
	Classification string `json:"classification"`
	State          string `json:"state"`
}

// Gateway is the set of operations the wizard consumes.
type Gateway interface {
	GenerateSection(ctx context.Context, req SectionRequest) (string, error)
	GenerateForm(ctx context.Context, req FormRequest) (string, error)
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// Client talks JSON over HTTP to the generation service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for baseURL. Timeout bounds each call; zero leaves it
// to the transport.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// GenerateSection returns the service's explanation for a disputed section.
func (c *Client) GenerateSection(ctx context.Context, req SectionRequest) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, "/generate-section", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("%w: generate-section returned an empty response", ErrUnavailable)
	}
	return out.Response, nil
}

// GenerateForm returns the HTML body of the requested form.
func (c *Client) GenerateForm(ctx context.Context, req FormRequest) (string, error) {
	var out struct {
		HTML string `json:"html"`
	}
	if err := c.post(ctx, "/generate-form", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.HTML) == "" {
		return "", fmt.Errorf("%w: generate-form returned empty html", ErrUnavailable)
	}
	return out.HTML, nil
}

// Chat answers a follow-up question.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, "/chat", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", fmt.Errorf("%w: chat returned an empty response", ErrUnavailable)
	}
	return out.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build %s request: %v", ErrUnavailable, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned HTTP %d: %s", ErrUnavailable, path, resp.StatusCode, truncate(string(raw), 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
