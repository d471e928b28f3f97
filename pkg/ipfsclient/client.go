/**
 * @description
 * This package provides a client for the IPFS HTTP RPC API (`/api/v0`), used as the
 * content-addressed store for badge metadata documents.
 */
package ipfsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to an IPFS node or a pinning service exposing the RPC API.
type Client struct {
	BaseURL       string
	ProjectID     string
	ProjectSecret string
	HTTPClient    *http.Client
	logger        zerolog.Logger
}

// NewClient creates a new IPFS client. projectID/projectSecret enable basic auth for
// hosted gateways and may be empty for a local node.
func NewClient(baseURL, projectID, projectSecret string, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		ProjectID:     projectID,
		ProjectSecret: projectSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "ipfs_client").Logger(),
	}
}

// ErrorResponse is the error body returned by the RPC API.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"Message"`
	Code       int    `json:"Code"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ipfs error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("ipfs error (status %d)", e.StatusCode)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var errResp *ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusTooManyRequests || errResp.StatusCode >= 500
	}
	return true
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Put stores content and returns its content identifier.
func (c *Client) Put(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "metadata.json")
	if err != nil {
		return "", fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	respBody, err := c.post(ctx, "add", "/api/v0/add?pin=true", writer.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}

	var added addResponse
	if err := json.Unmarshal(respBody, &added); err != nil {
		return "", fmt.Errorf("failed to decode add response: %w", err)
	}
	if added.Hash == "" {
		return "", errors.New("ipfs add returned an empty hash")
	}
	return added.Hash, nil
}

// Get fetches the content stored under hash.
func (c *Client) Get(ctx context.Context, hash string) ([]byte, error) {
	path := "/api/v0/cat?arg=" + url.QueryEscape(hash)
	return c.post(ctx, "cat", path, "", nil)
}

func (c *Client) post(ctx context.Context, op, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create ipfs %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.ProjectID != "" {
		req.SetBasicAuth(c.ProjectID, c.ProjectSecret)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute ipfs %s request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ipfs %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, errResp)
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Str("message", errResp.Message).Msg("ipfs request failed")
		return nil, errResp
	}
	return respBody, nil
}
