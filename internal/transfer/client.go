// Package transfer talks to the treasury service that moves tokens to users.
package transfer

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

	"github.com/shopspring/decimal"

	"example.com/rewards/internal/domain"
)

// Client implements domain.TokenTransferer over HTTP.
type Client struct {
	baseURL      string
	serviceToken string
	httpClient   *http.Client
}

// NewClient constructs a client. Per-attempt deadlines come from the caller's
// context; timeout is an outer bound.
func NewClient(baseURL, serviceToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Memo   string          `json:"memo"`
}

type transferResponse struct {
	TxRef  string `json:"tx_ref"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Transfer pays amount to userID. memo is also sent as the idempotency key.
func (c *Client) Transfer(ctx context.Context, userID string, amount decimal.Decimal, memo string) (string, error) {
	body, err := json.Marshal(transferRequest{UserID: userID, Amount: amount, Memo: memo})
	if err != nil {
		return "", domain.RejectedTransfer(fmt.Sprintf("encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", domain.RejectedTransfer(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", memo)
	if c.serviceToken != "" {
		req.Header.Set("X-Service-Token", c.serviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.AmbiguousTransfer(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.AmbiguousTransfer(fmt.Errorf("read response: %w", err))
	}

	var payload transferResponse
	_ = json.Unmarshal(data, &payload)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if payload.TxRef == "" {
			return "", domain.AmbiguousTransfer(errors.New("treasury response missing tx_ref"))
		}
		return payload.TxRef, nil
	case isRejection(resp.StatusCode):
		return "", domain.RejectedTransfer(reasonOf(payload, resp.StatusCode, data))
	default:
		return "", domain.AmbiguousTransfer(fmt.Errorf("treasury status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
}

func isRejection(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusPaymentRequired, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func reasonOf(payload transferResponse, status int, raw []byte) string {
	switch {
	case payload.Reason != "":
		return payload.Reason
	case payload.Error != "":
		return payload.Error
	case len(bytes.TrimSpace(raw)) > 0:
		return strings.TrimSpace(string(raw))
	default:
		return http.StatusText(status)
	}
}
