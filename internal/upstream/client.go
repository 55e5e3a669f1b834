package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/airhealthmap/airhealth-api/internal/dto"
	"github.com/airhealthmap/airhealth-api/internal/models"
	"github.com/airhealthmap/airhealth-api/pkg/config"
	appErrors "github.com/airhealthmap/airhealth-api/pkg/errors"
)

type bearerKey struct{}

// WithBearer stores the caller's bearer credential for outgoing requests.
// The JWT middleware populates it once per request; every upstream call then
// carries it uniformly.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, token)
}

func bearerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(bearerKey{}).(string); ok {
		return v
	}
	return ""
}

// Client is a JSON HTTP client for the remote data-ingestion API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for the configured base URL.
func NewClient(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// ValidateResponse mirrors the validate endpoint's contract.
type ValidateResponse struct {
	Token               string                `json:"token"`
	TotalRows           int                   `json:"total_rows"`
	NewRows             int                   `json:"new_rows"`
	DupeRows            int                   `json:"dupe_rows"`
	DupeSamples         []models.DuplicateKey `json:"dupe_samples"`
	DupeTotal           *int                  `json:"dupe_total,omitempty"`
	TokenExpiresSeconds *int                  `json:"token_expires_seconds,omitempty"`
}

// ConfirmResponse acknowledges a committed upload batch.
type ConfirmResponse struct {
	BatchID      string `json:"batch_id"`
	RowsImported int    `json:"rows_imported"`
	RowsSkipped  int    `json:"rows_skipped"`
}

type duplicatesResponse struct {
	Items []models.DuplicateKey `json:"items"`
	Total int                   `json:"total"`
}

type uploadListResponse struct {
	Items []models.UploadBatch `json:"items"`
	Total int                  `json:"total"`
}

type recordListResponse struct {
	Items []json.RawMessage `json:"items"`
	Total int               `json:"total"`
}

// ValidateCSV streams a staged file to the validate endpoint and returns the
// issued token plus row counts. The file bytes are sent exactly once; every
// later step references them through the token only.
func (c *Client) ValidateCSV(ctx context.Context, domain models.Domain, country, filename string, content io.Reader) (*ValidateResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build upload request")
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer upload request")
	}
	if err := writer.WriteField("domain", string(domain)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build upload request")
	}
	if country != "" {
		if err := writer.WriteField("country", country); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build upload request")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build upload request")
	}

	var out ValidateResponse
	if err := c.do(ctx, http.MethodPost, "/ingest/validate", nil, body, writer.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmUpload commits the rows behind a previously issued token.
func (c *Client) ConfirmUpload(ctx context.Context, token string) (*ConfirmResponse, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build confirm request")
	}

	var out ConfirmResponse
	if err := c.do(ctx, http.MethodPost, "/ingest/confirm", nil, bytes.NewReader(payload), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDuplicates fetches one page of duplicate natural keys for a token.
func (c *Client) ListDuplicates(ctx context.Context, token string, limit, offset int) ([]models.DuplicateKey, int, error) {
	query := url.Values{}
	query.Set("token", token)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var out duplicatesResponse
	if err := c.do(ctx, http.MethodGet, "/ingest/duplicates", query, nil, "", &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.Total, nil
}

// CreateRecord submits one manually entered record.
func (c *Client) CreateRecord(ctx context.Context, rec models.UploadRecord) (models.UploadRecord, error) {
	payload, err := models.EncodeRecord(rec)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode record")
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/records", nil, bytes.NewReader(payload), "application/json", &raw); err != nil {
		return nil, err
	}
	created, err := models.DecodeRecord(raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "data service returned an unreadable record")
	}
	return created, nil
}

// ListRecords returns one page of records for the filter.
func (c *Client) ListRecords(ctx context.Context, filter dto.RecordFilter) ([]models.UploadRecord, int, error) {
	query := url.Values{}
	if filter.Domain != "" {
		query.Set("domain", string(filter.Domain))
	}
	if filter.Country != "" {
		query.Set("country", filter.Country)
	}
	if filter.Year > 0 {
		query.Set("year", strconv.Itoa(filter.Year))
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		query.Set("limit", strconv.Itoa(filter.PageSize))
	}

	var out recordListResponse
	if err := c.do(ctx, http.MethodGet, "/records", query, nil, "", &out); err != nil {
		return nil, 0, err
	}

	records := make([]models.UploadRecord, 0, len(out.Items))
	for _, raw := range out.Items {
		rec, err := models.DecodeRecord(raw)
		if err != nil {
			return nil, 0, appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "data service returned an unreadable record")
		}
		records = append(records, rec)
	}
	return records, out.Total, nil
}

// UpdateRecord patches a record's mutable fields.
func (c *Client) UpdateRecord(ctx context.Context, id string, patch dto.UpdateRecordRequest) (models.UploadRecord, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode record patch")
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPatch, "/records/"+url.PathEscape(id), nil, bytes.NewReader(payload), "application/json", &raw); err != nil {
		return nil, err
	}
	updated, err := models.DecodeRecord(raw)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "data service returned an unreadable record")
	}
	return updated, nil
}

// ListUploads returns one page of upload batches.
func (c *Client) ListUploads(ctx context.Context, filter dto.UploadFilter) ([]models.UploadBatch, int, error) {
	query := url.Values{}
	if filter.Domain != "" {
		query.Set("domain", string(filter.Domain))
	}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		query.Set("limit", strconv.Itoa(filter.PageSize))
	}

	var out uploadListResponse
	if err := c.do(ctx, http.MethodGet, "/uploads", query, nil, "", &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.Total, nil
}

// DeleteUpload removes a batch and its backing rows.
func (c *Client) DeleteUpload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/uploads/"+url.PathEscape(id), nil, nil, "", nil)
}

// do dispatches one request, applying the bearer credential uniformly and
// decoding error bodies into human-readable messages.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build data service request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer := bearerFromContext(ctx); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("data service request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "could not reach the data service")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "could not read the data service response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		message := errorMessage(raw)
		c.logger.Warn("data service rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", message),
		)
		status := http.StatusBadGateway
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			status = resp.StatusCode
		}
		return appErrors.New(appErrors.ErrUpstream.Code, status, message)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "could not decode the data service response")
	}
	return nil
}

// errorMessage prefers a server-supplied detail string and falls back to a
// generic description; raw bodies are never surfaced to users.
func errorMessage(raw []byte) string {
	var probe struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		if probe.Detail != "" {
			return probe.Detail
		}
		if probe.Message != "" {
			return probe.Message
		}
		if probe.Error != nil && probe.Error.Message != "" {
			return probe.Error.Message
		}
	}
	return "the data service rejected the request"
}
