package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Ensure Client implements Backend
var _ driven.Backend = (*Client)(nil)

const (
	// DefaultTimeout bounds JSON calls; streams and transfers are bounded by ctx only
	DefaultTimeout = 30 * time.Second

	// errorSnippetLimit caps how much of an error body is kept for logs
	errorSnippetLimit = 512
)

// Config holds settings for the backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger

	// HTTPClient overrides the transport used for every call (tests)
	HTTPClient *http.Client
}

// Client talks to the RAG backend over HTTP
type Client struct {
	baseURL *url.URL
	// api serves short JSON calls; stream serves chat streams and file transfers
	api    *http.Client
	stream *http.Client
	logger *slog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: backend base URL is required", domain.ErrInvalidInput)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid backend URL: %v", domain.ErrInvalidInput, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := &http.Client{Timeout: timeout}
	stream := &http.Client{}
	if cfg.HTTPClient != nil {
		api = cfg.HTTPClient
		stream = cfg.HTTPClient
	}

	return &Client{
		baseURL: base,
		api:     api,
		stream:  stream,
		logger:  logger,
	}, nil
}

type createBatchResponse struct {
	ID string `json:"id"`
}

type batchDocumentsResponse struct {
	ID        string            `json:"id"`
	Documents []domain.Document `json:"documents"`
}

// CreateBatch asks the backend for a new batch id
func (c *Client) CreateBatch(ctx context.Context) (string, error) {
	var resp createBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "uploads/batches", nil, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: batch response has no id", domain.ErrUnexpectedStatus)
	}
	return resp.ID, nil
}

// GetBatchDocuments lists the documents of a batch
func (c *Client) GetBatchDocuments(ctx context.Context, batchID string) ([]domain.Document, error) {
	var resp batchDocumentsResponse
	if err := c.doJSON(ctx, http.MethodGet, "uploads/batches/"+url.PathEscape(batchID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// InitUpload registers a file and returns where to send its bytes
func (c *Client) InitUpload(ctx context.Context, req domain.InitUploadRequest) (*domain.UploadTarget, error) {
	var target domain.UploadTarget
	if err := c.doJSON(ctx, http.MethodPost, "uploads/init", req, &target); err != nil {
		return nil, err
	}
	if target.DocumentID == "" || target.UploadURL == "" {
		return nil, fmt.Errorf("%w: init response missing document id or upload url", domain.ErrUnexpectedStatus)
	}
	return &target, nil
}

// Transfer sends file bytes to the upload target using the mode its fields select
func (c *Client) Transfer(ctx context.Context, target *domain.UploadTarget, file domain.UploadFile) error {
	uploadURL, err := c.resolve(target.UploadURL)
	if err != nil {
		return err
	}

	var (
		body        io.Reader
		contentType string
	)
	switch target.Mode() {
	case domain.TransferMock:
		body = http.NoBody
	case domain.TransferDirect:
		body, contentType, err = multipartBody(map[string]string{"document_id": target.DocumentID}, []string{"document_id"}, file)
	default:
		// Presigned POST: server fields in server order, then the file part
		body, contentType, err = multipartBody(target.Fields, target.FieldKeys(), file)
	}
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: transfer failed: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.MethodPost, uploadURL); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// CompleteUpload acknowledges that a transfer finished
func (c *Client) CompleteUpload(ctx context.Context, documentID string) error {
	return c.doJSON(ctx, http.MethodPost, "uploads/"+url.PathEscape(documentID)+"/complete", nil, nil)
}

// GetDocument returns the backend's view of a document
func (c *Client) GetDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	var doc domain.Document
	if err := c.doJSON(ctx, http.MethodGet, "documents/"+url.PathEscape(documentID), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ChatStream opens a streaming chat response. The caller closes the body.
func (c *Client) ChatStream(ctx context.Context, chatReq domain.ChatRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.endpoint("chat/stream")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: chat request failed: %v", domain.ErrServiceUnavailable, err)
	}
	if err := c.checkStatus(resp, http.MethodPost, endpoint); err != nil {
		resp.Body.Close()
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, domain.ErrNoResponseBody
	}
	return resp.Body, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.api.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

// doJSON sends an optional JSON body and decodes an optional JSON response
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	endpoint := c.endpoint(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrServiceUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method, endpoint); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response from %s %s: %w", method, path, err)
	}
	return nil
}

// checkStatus maps non-2xx responses to domain errors
func (c *Client) checkStatus(resp *http.Response, method, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
	c.logger.Debug("backend returned error status",
		"method", method,
		"url", endpoint,
		"status", resp.StatusCode,
		"body", string(snippet),
	)

	sentinel := domain.ErrUnexpectedStatus
	switch {
	case resp.StatusCode == http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway:
		sentinel = domain.ErrServiceUnavailable
	}
	return &StatusError{Method: method, URL: endpoint, Code: resp.StatusCode, err: sentinel}
}

// endpoint appends an already escaped path to the base URL
func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

// resolve accepts absolute upload URLs as-is and resolves relative ones against the backend
func (c *Client) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid upload url %q", domain.ErrInvalidInput, raw)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// StatusError reports a non-2xx backend response
type StatusError struct {
	Method string
	URL    string
	Code   int
	err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned status %d", e.Method, e.URL, e.Code)
}

// Unwrap exposes the domain sentinel for errors.Is
func (e *StatusError) Unwrap() error {
	return e.err
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// multipartBody buffers a form with the given fields followed by the file part.
// Storage services reject chunked POSTs, so the body is built up front.
func multipartBody(fields map[string]string, order []string, file domain.UploadFile) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, k := range order {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	part, err := w.CreateFormFile("file", file.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if file.Content != nil {
		if _, err := io.Copy(part, file.Content); err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", file.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish form: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}
