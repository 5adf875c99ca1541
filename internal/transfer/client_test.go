package transfer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"example.com/rewards/internal/domain"
)

func TestTransferSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Service-Token"))
		require.Equal(t, "entry-1", r.Header.Get("Idempotency-Key"))

		var body struct {
			UserID string `json:"user_id"`
			Amount string `json:"amount"`
			Memo   string `json:"memo"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "user-1", body.UserID)
		require.Equal(t, "0.05", body.Amount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tx_ref":"sig-123"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret", time.Second)
	ref, err := client.Transfer(context.Background(), "user-1", decimal.RequireFromString("0.05"), "entry-1")
	require.NoError(t, err)
	require.Equal(t, "sig-123", ref)
}

func TestTransferRejections(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusPaymentRequired, http.StatusConflict, http.StatusUnprocessableEntity} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"reason":"wallet frozen"}`))
		}))

		client := NewClient(srv.URL, "", time.Second)
		_, err := client.Transfer(context.Background(), "user-1", decimal.RequireFromString("0.05"), "entry-1")
		srv.Close()

		require.ErrorIs(t, err, domain.ErrTransferRejected, "status %d", status)
		var terr *domain.TransferError
		require.ErrorAs(t, err, &terr)
		require.Equal(t, "wallet frozen", terr.Reason)
	}
}

func TestTransferAmbiguousResponses(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		client := NewClient(srv.URL, "", time.Second)
		_, err := client.Transfer(context.Background(), "user-1", decimal.RequireFromString("0.05"), "entry-1")
		srv.Close()

		require.ErrorIs(t, err, domain.ErrTransferAmbiguous, "status %d", status)
		require.False(t, domain.IsRejected(err))
	}
}

func TestTransferTimeoutIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Transfer(ctx, "user-1", decimal.RequireFromString("0.05"), "entry-1")
	require.ErrorIs(t, err, domain.ErrTransferAmbiguous)
}

func TestTransferMissingRefIsAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.Transfer(context.Background(), "user-1", decimal.RequireFromString("0.05"), "entry-1")
	require.ErrorIs(t, err, domain.ErrTransferAmbiguous)
}
