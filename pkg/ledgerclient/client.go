/**
 * @description
 * This package provides a client for the ledger gateway, the HTTP sidecar that holds
 * the treasury key and submits transfers, NFT mints and consensus topic messages to
 * the distributed ledger on the service's behalf.
 *
 * @dependencies
 * - golang.org/x/time/rate: Client-side throttling of gateway calls.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Transfer statuses reported by the gateway.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	// StatusPending means the gateway accepted the transfer but it still awaits a
	// signature or consensus.
	StatusPending = "PENDING"
)

// Signers accepted on a transfer request.
const (
	SignerTreasury = "treasury"
	SignerOwner    = "owner"
)

// ErrReceiptNotFound is returned when the gateway has no record of an idempotency key.
var ErrReceiptNotFound = errors.New("ledger receipt not found")

// Client is a client for the ledger gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient creates a new ledger gateway client. requestsPerSecond <= 0 disables throttling.
func NewClient(baseURL, apiKey string, requestsPerSecond float64, logger zerolog.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "ledger_client").Logger(),
	}
}

// TransferRequest is the payload for a value transfer between two ledger accounts.
type TransferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Amount         int64  `json:"amount"` // in tinybar
	Memo           string `json:"memo,omitempty"`
	Signer         string `json:"signer"`
	IdempotencyKey string `json:"-"`
}

// TransferResult is the gateway's view of a transfer.
type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

// MintRequest is the payload for minting one NFT into a collection.
type MintRequest struct {
	RecipientAccountID string `json:"recipient_account_id"`
	Metadata           []byte `json:"metadata"`
}

// MintResult identifies the minted token.
type MintResult struct {
	SerialNumber  int64  `json:"serial_number"`
	TransactionID string `json:"transaction_id"`
}

// TopicMessageResult identifies a consensus message.
type TopicMessageResult struct {
	SequenceNumber int64  `json:"sequence_number"`
	TransactionID  string `json:"transaction_id"`
}

// ErrorItem is one entry of a gateway error body.
type ErrorItem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// ErrorResponse represents an error from the ledger gateway.
type ErrorResponse struct {
	StatusCode int         `json:"-"`
	Errors     []ErrorItem `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger gateway error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("ledger gateway error (status %d)", e.StatusCode)
}

// IsTransient reports whether retrying the same request may succeed.
func (e *ErrorResponse) IsTransient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// IsTransient classifies an error returned by this client. Gateway rejections are
// classified by status code; transport failures, timeouts and unreadable responses are
// transient because the request may or may not have reached the ledger.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReceiptNotFound) {
		return false
	}
	var errResp *ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.IsTransient()
	}
	return true
}

// Transfer submits a transfer. The idempotency key lets the gateway deduplicate
// retries of the same logical transfer.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, &ErrorResponse{StatusCode: http.StatusBadRequest, Errors: []ErrorItem{{Title: "missing idempotency key", Detail: "transfer requires an idempotency key"}}}
	}
	var result TransferResult
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := c.do(ctx, "transfer", http.MethodPost, "/api/v1/transfers", headers, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransferReceipt looks up a transfer by the idempotency key it was submitted with.
func (c *Client) GetTransferReceipt(ctx context.Context, idempotencyKey string) (*TransferResult, error) {
	var result TransferResult
	path := "/api/v1/transfers/" + url.PathEscape(idempotencyKey)
	err := c.do(ctx, "get_transfer_receipt", http.MethodGet, path, nil, nil, &result)
	if err != nil {
		var errResp *ErrorResponse
		if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return &result, nil
}

// Mint mints one NFT in collectionID to the recipient account.
func (c *Client) Mint(ctx context.Context, collectionID string, req MintRequest) (*MintResult, error) {
	var result MintResult
	path := "/api/v1/tokens/" + url.PathEscape(collectionID) + "/mint"
	if err := c.do(ctx, "mint", http.MethodPost, path, nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitTopicMessage appends a message to a consensus topic.
func (c *Client) SubmitTopicMessage(ctx context.Context, topicID string, message []byte) (*TopicMessageResult, error) {
	var result TopicMessageResult
	path := "/api/v1/topics/" + url.PathEscape(topicID) + "/messages"
	payload := struct {
		Message []byte `json:"message"`
	}{Message: message}
	if err := c.do(ctx, "submit_topic_message", http.MethodPost, path, nil, payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, headers map[string]string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger %s throttled: %w", op, err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Msg("non-2xx response (unparsable error body)")
			return &ErrorResponse{StatusCode: resp.StatusCode}
		}
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).
			Str("title", firstErrorTitle(errResp)).Str("detail", firstErrorDetail(errResp)).
			Msg("ledger gateway rejected request")
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("elapsed", time.Since(started)).Msg("ledger call completed")
	return nil
}

func firstErrorTitle(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
