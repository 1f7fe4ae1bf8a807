// Package remote talks to the field-service backend over HTTP.
//
// Client implements sync.Backend: every mutating request carries the
// caller's key in an Idempotency-Key header, and HTTP failures are mapped to
// error codes the engine and UI can classify.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/models"
)

const (
	// IdempotencyHeader carries the request key on mutating requests.
	IdempotencyHeader = "Idempotency-Key"

	userAgent = "fieldsync/1"
)

// PhotoStore stores photo blobs outside the backend API.
type PhotoStore interface {
	PutPhoto(ctx context.Context, orderID, fileName, contentType string, data []byte) (string, error)
}

// Config holds Client settings.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client

	// Photos, when set, receives photo uploads instead of the backend
	// upload endpoint.
	Photos PhotoStore
}

// Client is the HTTP backend client.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	photos PhotoStore
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "backend URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrConfig, "invalid backend URL %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{base: base, token: cfg.Token, http: httpClient, photos: cfg.Photos}, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, target, key, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, method, req.URL.Path, msg)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteRejected, "decode response", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, target, key string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode request", err)
	}
	return c.do(ctx, method, target, key, "application/json", body, out)
}

// statusError maps an HTTP failure to an error code. Timeouts, throttling,
// and 5xx are transient; other 4xx are rejections.
func statusError(code int, method, path string, body []byte) error {
	detail := strings.TrimSpace(string(body))
	msg := fmt.Sprintf("%s %s: status %d", method, path, code)
	if detail != "" {
		msg += ": " + detail
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.New(apperrors.ErrRemoteAuth, msg)
	case code == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return apperrors.New(apperrors.ErrRemoteUnavailable, msg)
	default:
		return apperrors.New(apperrors.ErrRemoteRejected, msg)
	}
}

// SetOrderStatus implements sync.Backend.
func (c *Client) SetOrderStatus(ctx context.Context, key, orderID, status string) error {
	return c.doJSON(ctx, http.MethodPut, c.endpoint("orders", orderID, "status"), key,
		map[string]string{"status": status}, nil)
}

// SetChecklistItemCompleted implements sync.Backend.
func (c *Client) SetChecklistItemCompleted(ctx context.Context, key, orderID, itemID string, completed bool) error {
	return c.doJSON(ctx, http.MethodPut, c.endpoint("orders", orderID, "checklist", itemID), key,
		map[string]bool{"completed": completed}, nil)
}

// UploadPhoto implements sync.Backend. The content type is sniffed from
// the blob when the caller has none.
func (c *Client) UploadPhoto(ctx context.Context, key, orderID string, blob []byte, fileName, contentType string) (string, error) {
	if contentType == "" {
		contentType = mimetype.Detect(blob).String()
	}
	if c.photos != nil {
		return c.photos.PutPhoto(ctx, orderID, fileName, contentType, blob)
	}

	var out struct {
		StoragePath string `json:"storage_path"`
	}
	target := c.endpoint("orders", orderID, "photos", fileName)
	if err := c.do(ctx, http.MethodPut, target, key, contentType, blob, &out); err != nil {
		return "", err
	}
	if out.StoragePath == "" {
		return "", apperrors.New(apperrors.ErrRemoteRejected, "upload response has no storage_path")
	}
	return out.StoragePath, nil
}

// RecordDocument implements sync.Backend.
func (c *Client) RecordDocument(ctx context.Context, key, orderID, docType, storagePath, fileName string) error {
	return c.doJSON(ctx, http.MethodPost, c.endpoint("orders", orderID, "documents"), key, map[string]string{
		"type":         docType,
		"storage_path": storagePath,
		"file_name":    fileName,
	}, nil)
}

// SetOrderSignature implements sync.Backend.
func (c *Client) SetOrderSignature(ctx context.Context, key, orderID string, image []byte, signedBy string, signedAt time.Time) error {
	return c.doJSON(ctx, http.MethodPut, c.endpoint("orders", orderID, "signature"), key, struct {
		Image    []byte    `json:"image"`
		SignedBy string    `json:"signed_by"`
		SignedAt time.Time `json:"signed_at"`
	}{image, signedBy, signedAt.UTC()}, nil)
}

// ReportLaborHours implements sync.Backend.
func (c *Client) ReportLaborHours(ctx context.Context, key, orderID, employeeID string, hours float64) error {
	return c.doJSON(ctx, http.MethodPost, c.endpoint("orders", orderID, "labor"), key, struct {
		EmployeeID string  `json:"employee_id"`
		Hours      float64 `json:"hours"`
	}{employeeID, hours}, nil)
}

// FetchOrder implements sync.Backend.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	var snap models.OrderSnapshot
	if err := c.do(ctx, http.MethodGet, c.endpoint("orders", orderID), "", "", nil, &snap); err != nil {
		return nil, err
	}
	if snap.OrderID == "" {
		snap.OrderID = orderID
	}
	return &snap, nil
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.endpoint("health"), "", "", nil, nil)
}
