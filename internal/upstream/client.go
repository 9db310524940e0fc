package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/quillworks/quill/internal/model"
)

// Client implements Provider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client (used in tests and for
// custom timeouts).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider client for the given base URL and API key.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No overall request timeout: streaming responses stay open for
		// the runtime of the generation. Cancellation comes from ctx.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateStream opens a new background generation and streams its events.
func (c *Client) CreateStream(ctx context.Context, req Request) (Stream, error) {
	body := map[string]any{
		"model":      req.Model,
		"input":      req.Input,
		"stream":     true,
		"background": true,
	}
	if req.Instructions != "" {
		body["instructions"] = req.Instructions
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/responses", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}
	return &httpStream{body: resp.Body, reader: newSSEReader(resp.Body)}, nil
}

// ResumeStream re-opens an existing response's stream after afterSeq.
func (c *Client) ResumeStream(ctx context.Context, responseID string, afterSeq int64) (Stream, error) {
	path := "/v1/responses/" + responseID + "?stream=true&starting_after=" + strconv.FormatInt(afterSeq, 10)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.errorFromResponse(resp)
	}
	return &httpStream{body: resp.Body, reader: newSSEReader(resp.Body)}, nil
}

// Retrieve fetches the point-in-time state of a response.
func (c *Client) Retrieve(ctx context.Context, responseID string) (Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/responses/"+responseID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, c.errorFromResponse(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("upstream: read retrieve body: %w", err)
	}
	var rb responseBody
	if err := json.Unmarshal(raw, &rb); err != nil {
		return Snapshot{}, fmt.Errorf("upstream: decode retrieve body: %w", err)
	}
	return Snapshot{
		ID:     rb.ID,
		Status: rb.Status,
		Text:   rb.outputText(),
		Usage:  rb.usage(),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("upstream: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("upstream: status %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("upstream: status %d", resp.StatusCode)
}

// httpStream adapts an SSE response body to the Stream interface.
type httpStream struct {
	body   io.ReadCloser
	reader *sseReader
}

func (s *httpStream) Next() (RawEvent, error) {
	ev, err := s.reader.next()
	if err != nil {
		return RawEvent{}, err
	}
	return decodeWireEvent(ev)
}

func (s *httpStream) Close() error {
	return s.body.Close()
}

// responseBody is the provider's response object, as embedded in lifecycle
// events and returned by retrieve.
type responseBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (rb responseBody) outputText() string {
	var b bytes.Buffer
	for _, item := range rb.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}

func (rb responseBody) usage() *model.Usage {
	if rb.Usage == nil {
		return nil
	}
	return &model.Usage{
		InputTokens:  rb.Usage.InputTokens,
		OutputTokens: rb.Usage.OutputTokens,
		TotalTokens:  rb.Usage.TotalTokens,
	}
}

// decodeWireEvent maps a provider SSE event to a RawEvent. Unknown event
// types are passed through with only Type, Seq and Raw populated.
func decodeWireEvent(ev sseEvent) (RawEvent, error) {
	var head struct {
		SequenceNumber int64         `json:"sequence_number"`
		Response       *responseBody `json:"response"`
		Delta          string        `json:"delta"`
	}
	if err := json.Unmarshal([]byte(ev.data), &head); err != nil {
		return RawEvent{}, fmt.Errorf("upstream: decode %s event: %w", ev.name, err)
	}

	out := RawEvent{
		Type: ev.name,
		Seq:  head.SequenceNumber,
		Raw:  json.RawMessage(ev.data),
	}
	if head.Response != nil {
		out.ResponseID = head.Response.ID
		out.Status = head.Response.Status
		out.Text = head.Response.outputText()
		if u := head.Response.Usage; u != nil {
			out.Usage = &model.Usage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				TotalTokens:  u.TotalTokens,
			}
		}
	}
	out.Delta = head.Delta
	return out, nil
}
