// Package openai (client.go) is the review-job client for the OpenAI
// Responses API: bundle upload, background response creation, polling,
// cancellation, and uploaded-file cleanup. The job lifecycle lives in
// job.go; this file is the wire layer.
package openai

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
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	_defaultTimeout = 5 * time.Minute
	_maxBodyBytes   = 64 << 20
	_maxErrBytes    = 1024
)

var (
	// ErrUnreachable indicates the service could not be reached
	// (connection refused, DNS failure, timeout).
	ErrUnreachable = errors.New("review service unreachable")
	// ErrAuth indicates the service rejected the API key.
	ErrAuth = errors.New("review service rejected the API key")
)

// Review job statuses reported by the service.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusIncomplete = "incomplete"
)

// Client calls the Responses API. Zero value is not valid; use NewClient.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client. baseURL is the API root (e.g.
// https://api.openai.com/v1). If httpClient is nil, a default client
// with a 5-minute timeout is used; individual calls are still bounded
// by their context.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: _defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// ReviewRequest describes one review submission.
type ReviewRequest struct {
	Model      string
	Prompt     string
	FileID     string
	Background bool
}

// APIError is the error payload a failed job carries.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IncompleteDetails explains an incomplete terminal status.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// Response mirrors the fields of a Responses API object the pipeline
// uses. Raw holds the exact body received, persisted verbatim as the
// response.json artifact.
type Response struct {
	ID         string             `json:"id"`
	Status     string             `json:"status"`
	OutputText string             `json:"output_text"`
	Output     []outputItem       `json:"output"`
	Error      *APIError          `json:"error"`
	Incomplete *IncompleteDetails `json:"incomplete_details"`
	Raw        []byte             `json:"-"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentItem `json:"content"`
}

// contentItem's text field is a string in current payloads but was an
// object with a "value" key in earlier ones; keep it raw and try both.
type contentItem struct {
	Type string          `json:"type"`
	Text json.RawMessage `json:"text"`
}

// Text returns the response's output text: the convenience output_text
// field when present, otherwise the concatenated text parts of the
// output items.
func (r *Response) Text() string {
	if s := strings.TrimSpace(r.OutputText); s != "" {
		return s
	}
	var texts []string
	for _, item := range r.Output {
		for _, c := range item.Content {
			if c.Type != "output_text" && c.Type != "text" {
				continue
			}
			if len(c.Text) == 0 {
				continue
			}
			var s string
			if err := json.Unmarshal(c.Text, &s); err == nil {
				texts = append(texts, s)
				continue
			}
			var obj struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(c.Text, &obj); err == nil && obj.Value != "" {
				texts = append(texts, obj.Value)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// UploadBundle streams the archive at path to POST /files with
// purpose=assistants and returns the file ID. The file is never
// buffered whole in memory.
func (c *Client) UploadBundle(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("upload bundle: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()
		if err = mw.WriteField("purpose", "assistants"); err != nil {
			return
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		h.Set("Content-Type", "application/zip")
		var part io.Writer
		if part, err = mw.CreatePart(h); err != nil {
			return
		}
		if _, err = io.Copy(part, f); err != nil {
			return
		}
		err = mw.Close()
	}()

	resp, err := c.do(ctx, http.MethodPost, "/files", mw.FormDataContentType(), pr)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, _maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("upload bundle: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.statusErr("upload bundle", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("upload bundle: parse response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload bundle: response missing file id")
	}
	return out.ID, nil
}

// DeleteFile removes an uploaded file. Cleanup is best-effort; callers
// typically log the error and move on.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/files/"+fileID, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delete file: HTTP %d", resp.StatusCode)
	}
	return nil
}

// CreateReview submits a review: the prompt plus the uploaded bundle,
// with the code interpreter tool enabled and temperature pinned to 0.
// With Background set, the service returns immediately and the job is
// polled to completion; otherwise the call blocks until the response
// is final.
func (c *Client) CreateReview(ctx context.Context, req ReviewRequest) (*Response, error) {
	payload := createPayload{
		Model: req.Model,
		Input: []inputMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: req.Prompt},
				{Type: "input_file", FileID: req.FileID},
			},
		}},
		Tools:      []tool{{Type: "code_interpreter"}},
		Background: req.Background,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("create response: encode: %w", err)
	}
	return c.responseCall(ctx, "create response", http.MethodPost, "/responses", bytes.NewReader(body))
}

// GetReview fetches the current state of a review job.
func (c *Client) GetReview(ctx context.Context, id string) (*Response, error) {
	return c.responseCall(ctx, "get response", http.MethodGet, "/responses/"+id, nil)
}

// CancelReview asks the service to stop a background job. Best-effort:
// the job may already be terminal.
func (c *Client) CancelReview(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/responses/"+id+"/cancel", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cancel response: HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckAuth verifies the service is reachable and accepts the API key.
func (c *Client) CheckAuth(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/models", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, _maxErrBytes))
		return c.statusErr("auth check", resp.StatusCode, body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

type createPayload struct {
	Model       string         `json:"model"`
	Input       []inputMessage `json:"input"`
	Tools       []tool         `json:"tools"`
	Temperature float64        `json:"temperature"`
	Background  bool           `json:"background"`
}

type inputMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

type tool struct {
	Type string `json:"type"`
}

// responseCall performs a request whose body is a Responses API object.
func (c *Client) responseCall(ctx context.Context, op, method, path string, body io.Reader) (*Response, error) {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, _maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusErr(op, resp.StatusCode, raw)
	}
	out := &Response{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%s: parse body: %w", op, err)
	}
	out.Raw = raw
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, errors.Join(ErrUnreachable, err))
	}
	return resp, nil
}

// statusError is a non-2xx reply; the poller uses the code to tell
// transient failures (retry) from permanent ones (give up).
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.msg)
}

func (e *statusError) transient() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (c *Client) statusErr(op string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > _maxErrBytes {
		msg = msg[:_maxErrBytes]
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return fmt.Errorf("%s: %w: HTTP %d: %s", op, ErrAuth, code, msg)
	}
	return fmt.Errorf("%s: %w", op, &statusError{code: code, msg: msg})
}
