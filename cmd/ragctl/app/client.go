package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/internal/rag/biz"
	"github.com/kart-io/sentinel-rag/internal/rag/handler"
	"github.com/kart-io/sentinel-rag/pkg/utils/httpclient"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

const apiPrefix = "/v1/rag"

// envelope mirrors the server side response.Response with a typed payload.
type envelope[T any] struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      T      `json:"data"`
	RequestID string `json:"request_id"`
}

// APIError is a non-success answer from the server.
type APIError struct {
	Status    int
	Code      int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (status %d, code %d, request %s)", e.Message, e.Status, e.Code, e.RequestID)
	}
	return fmt.Sprintf("%s (status %d, code %d)", e.Message, e.Status, e.Code)
}

type client struct {
	base string
	http *httpclient.Client
}

func newClient(server string, timeout time.Duration, retries int) (*client, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", server)
	}
	return &client{
		base: strings.TrimRight(server, "/"),
		http: httpclient.NewClient(timeout, retries),
	}, nil
}

func do[T any](ctx context.Context, c *client, method, path string, body io.Reader, contentType string) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return zero, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	var env envelope[T]
	if err := c.http.DoJSON(req, &env); err != nil {
		return zero, decodeError(err)
	}
	return env.Data, nil
}

// decodeError turns an error envelope into an APIError when possible.
func decodeError(err error) error {
	se, ok := err.(*httpclient.StatusError)
	if !ok {
		return err
	}
	var env envelope[any]
	if jerr := json.Unmarshal(se.Body, &env); jerr != nil || env.Message == "" {
		return err
	}
	return &APIError{Status: se.StatusCode, Code: env.Code, Message: env.Message, RequestID: env.RequestID}
}

func (c *client) upload(ctx context.Context, path string) (*biz.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return do[*biz.UploadResult](ctx, c, http.MethodPost, apiPrefix+"/documents", &buf, mw.FormDataContentType())
}

func (c *client) progress(ctx context.Context, documentID string) (*biz.Progress, error) {
	return do[*biz.Progress](ctx, c, http.MethodGet,
		apiPrefix+"/documents/"+url.PathEscape(documentID)+"/progress", nil, "")
}

func (c *client) list(ctx context.Context, limit int) (*handler.ListDocumentsResponse, error) {
	return do[*handler.ListDocumentsResponse](ctx, c, http.MethodGet,
		apiPrefix+"/documents?limit="+strconv.Itoa(limit), nil, "")
}

func (c *client) delete(ctx context.Context, documentID string) (*handler.DeleteDocumentResponse, error) {
	return do[*handler.DeleteDocumentResponse](ctx, c, http.MethodDelete,
		apiPrefix+"/documents/"+url.PathEscape(documentID), nil, "")
}

func (c *client) query(ctx context.Context, q *handler.QueryRequest) (*model.RAGResponse, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	return do[*model.RAGResponse](ctx, c, http.MethodPost, apiPrefix+"/query", bytes.NewReader(body), "application/json")
}

func (c *client) stats(ctx context.Context) (map[string]any, error) {
	return do[map[string]any](ctx, c, http.MethodGet, apiPrefix+"/stats", nil, "")
}

// health is not wrapped in the response envelope and answers 503 with a body when degraded.
func (c *client) health(ctx context.Context) (*handler.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.DoRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h handler.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health response (status %d): %w", resp.StatusCode, err)
	}
	return &h, nil
}
