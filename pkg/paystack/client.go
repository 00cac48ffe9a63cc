/**
 * @description
 * This package provides a client for the Paystack payments API. It is the single
 * point of outbound communication with the processor: it encapsulates request
 * construction, bearer authentication, timeout policy, bounded retry with
 * exponential backoff, response normalization, and webhook signature
 * verification.
 *
 * Retry policy per call:
 * - 2xx with the API success flag set is a normalized success.
 * - 4xx (and 2xx with the success flag unset) is a permanent caller-side
 *   failure, returned immediately and never retried.
 * - 5xx, timeouts, and connection failures are retried up to 3 attempts with
 *   min(2^attempt, 30)s backoff before a typed failure is surfaced.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha512, encoding/hex, encoding/json,
 *   fmt, io, net, net/http, net/url, time: Standard Go libraries.
 */
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultTotalTimeout   = 30 * time.Second
	defaultMaxAttempts    = 3
	maxBackoff            = 30 * time.Second
)

// Client is a client for the Paystack API.
type Client struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	HTTPClient    *http.Client

	// ValidationCharge is the fee, in minor units, the processor charges for a
	// definitive account validation answer.
	ValidationCharge int64

	maxAttempts int
	backoff     func(attempt int) time.Duration
}

// NewClient creates a new Paystack API client with the standard connect and
// total timeouts.
func NewClient(baseURL, secretKey, webhookSecret string, validationCharge int64) *Client {
	return &Client{
		BaseURL:       baseURL,
		SecretKey:     secretKey,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: defaultTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultConnectTimeout}).DialContext,
			},
		},
		ValidationCharge: validationCharge,
		maxAttempts:      defaultMaxAttempts,
		backoff:          defaultBackoff,
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// APIError is a typed gateway failure carrying the processor's message and HTTP
// status code so callers can classify it. A zero StatusCode means the request
// never completed (timeout or connection failure).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("paystack api unreachable: %s", e.Message)
	}
	return fmt.Sprintf("paystack api error (status %d): %s", e.StatusCode, e.Message)
}

// IsClientError reports whether err is a permanent caller-side gateway failure
// (a 4xx or a rejected request) that must not be retried.
func IsClientError(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// apiEnvelope is the standard Paystack response wrapper.
type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do executes one API call under the retry policy and unmarshals the envelope
// data into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s request: %w", method, path, err)
		}
	}

	var lastErr *APIError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create %s %s request: %w", method, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.SecretKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = &APIError{Message: err.Error()}
		} else {
			done, apiErr := c.handleResponse(resp, out)
			if done {
				return nil
			}
			if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
				// Permanent caller-side problem; the processor has rejected the
				// request and resubmitting it cannot help.
				return apiErr
			}
			lastErr = apiErr
		}

		if attempt < c.maxAttempts {
			log.Printf("level=warn component=paystack_client msg=\"retryable gateway failure\" method=%s path=%s attempt=%d err=%q", method, path, attempt, lastErr.Message)
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return &APIError{Message: ctx.Err().Error()}
			}
		}
	}
	return lastErr
}

// handleResponse consumes one HTTP response. It returns done=true on a
// normalized success, otherwise the classified APIError.
func (c *Client) handleResponse(resp *http.Response, out interface{}) (bool, *APIError) {
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, &APIError{StatusCode: resp.StatusCode, Message: "failed to read response body: " + err.Error()}
	}

	var envelope apiEnvelope
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
			return false, &APIError{StatusCode: resp.StatusCode, Message: "failed to decode response: " + err.Error()}
		}
		if !envelope.Status {
			// The processor answered but rejected the operation; this is a
			// caller-side failure regardless of the 2xx transport status.
			return false, &APIError{StatusCode: http.StatusBadRequest, Message: envelope.Message}
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return false, &APIError{StatusCode: resp.StatusCode, Message: "failed to decode response data: " + err.Error()}
			}
		}
		return true, nil
	}

	message := http.StatusText(resp.StatusCode)
	if err := json.Unmarshal(bodyBytes, &envelope); err == nil && envelope.Message != "" {
		message = envelope.Message
	}
	return false, &APIError{StatusCode: resp.StatusCode, Message: message}
}

// Bank is a bank record returned during recipient setup.
type Bank struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ListBanks returns the banks available for recipient setup in a country.
func (c *Client) ListBanks(ctx context.Context, country string) ([]Bank, error) {
	var banks []Bank
	path := "/bank?country=" + url.QueryEscape(country)
	if err := c.do(ctx, http.MethodGet, path, nil, &banks); err != nil {
		return nil, err
	}
	return banks, nil
}

// ValidateAccountRequest carries the fields the processor needs for a
// document-based bank account validation.
type ValidateAccountRequest struct {
	AccountNumber  string `json:"account_number"`
	BankCode       string `json:"bank_code"`
	AccountName    string `json:"account_name"`
	AccountType    string `json:"account_type"`
	DocumentType   string `json:"document_type"`
	DocumentNumber string `json:"document_number"`
	Country        string `json:"country_code"`
}

// ValidateAccountResult is the normalized outcome of an account validation.
// ChargedCost is non-zero only when the processor returned a definitive
// verified answer.
type ValidateAccountResult struct {
	Verified    bool
	Message     string
	ChargedCost int64
}

type accountValidationData struct {
	Verified           bool   `json:"verified"`
	VerificationMessage string `json:"verificationMessage"`
}

// ValidateAccount asks the processor to verify that the named account exists
// and belongs to the supposed holder.
func (c *Client) ValidateAccount(ctx context.Context, req ValidateAccountRequest) (*ValidateAccountResult, error) {
	var data accountValidationData
	if err := c.do(ctx, http.MethodPost, "/bank/validate", req, &data); err != nil {
		return nil, err
	}

	result := &ValidateAccountResult{
		Verified: data.Verified,
		Message:  data.VerificationMessage,
	}
	if data.Verified {
		result.ChargedCost = c.ValidationCharge
	}
	return result, nil
}

// CreateRecipientRequest is the payload for registering a transfer recipient
// with the processor. Bank fields and AuthorizationCode are mutually exclusive,
// matching the recipient type.
type CreateRecipientRequest struct {
	Type              string `json:"type"` // e.g. 'basa', 'authorization'
	Name              string `json:"name"`
	Currency          string `json:"currency"`
	BankCode          string `json:"bank_code,omitempty"`
	AccountNumber     string `json:"account_number,omitempty"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
	Email             string `json:"email,omitempty"`
	Description       string `json:"description,omitempty"`
}

// RecipientData is the processor's view of a transfer recipient.
type RecipientData struct {
	RecipientCode string `json:"recipient_code"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Currency      string `json:"currency"`
	Active        bool   `json:"active"`
	Details       struct {
		AccountNumber     string `json:"account_number"`
		AccountName       string `json:"account_name"`
		BankCode          string `json:"bank_code"`
		BankName          string `json:"bank_name"`
		AuthorizationCode string `json:"authorization_code"`
	} `json:"details"`
}

// CreateRecipient registers a payout destination with the processor and
// returns its assigned recipient data.
func (c *Client) CreateRecipient(ctx context.Context, req CreateRecipientRequest) (*RecipientData, error) {
	var data RecipientData
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ListRecipients returns the recipients registered on the processor side.
func (c *Client) ListRecipients(ctx context.Context) ([]RecipientData, error) {
	var data []RecipientData
	if err := c.do(ctx, http.MethodGet, "/transferrecipient", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// FetchRecipient returns a single recipient by its processor code.
func (c *Client) FetchRecipient(ctx context.Context, recipientCode string) (*RecipientData, error) {
	var data RecipientData
	if err := c.do(ctx, http.MethodGet, "/transferrecipient/"+url.PathEscape(recipientCode), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UpdateRecipient renames a recipient on the processor side.
func (c *Client) UpdateRecipient(ctx context.Context, recipientCode, name string) error {
	payload := map[string]string{"name": name}
	return c.do(ctx, http.MethodPut, "/transferrecipient/"+url.PathEscape(recipientCode), payload, nil)
}

// DeleteRecipient removes a recipient from the processor's directory.
func (c *Client) DeleteRecipient(ctx context.Context, recipientCode string) error {
	return c.do(ctx, http.MethodDelete, "/transferrecipient/"+url.PathEscape(recipientCode), nil, nil)
}

// initiateTransferRequest is the wire payload for a transfer initiation.
type initiateTransferRequest struct {
	Source    string `json:"source"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
	Currency  string `json:"currency"`
}

// TransferResult is the processor's immediate or reconciled view of a transfer.
type TransferResult struct {
	ID           int64  `json:"id"`
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"` // 'success', 'pending', 'failed', 'reversed'
	Reason       string `json:"reason"`
	Message      string `json:"message"`
}

// InitiateTransfer submits a transfer instruction to the processor. The
// reference is the idempotency key; resubmitting with the same reference is
// recognized by the processor as the same transfer.
func (c *Client) InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*TransferResult, error) {
	payload := initiateTransferRequest{
		Source:    "balance",
		Amount:    amount,
		Recipient: recipientCode,
		Reference: reference,
		Reason:    reason,
		Currency:  currency,
	}
	var data TransferResult
	if err := c.do(ctx, http.MethodPost, "/transfer", payload, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// FetchTransfer returns the processor's current view of a transfer, used for
// reconciliation when a webhook is delayed or lost.
func (c *Client) FetchTransfer(ctx context.Context, transferCode string) (*TransferResult, error) {
	var data TransferResult
	if err := c.do(ctx, http.MethodGet, "/transfer/"+url.PathEscape(transferCode), nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// VerifyWebhookSignature checks the authenticity of an inbound webhook. The
// signature header must equal the hex-encoded HMAC-SHA512 of the raw request
// body under the shared webhook secret; comparison is constant time.
func (c *Client) VerifyWebhookSignature(body []byte, signatureHeader string) bool {
	if c.WebhookSecret == "" || signatureHeader == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(c.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
