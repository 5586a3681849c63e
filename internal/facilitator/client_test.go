package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Supported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/supported", r.URL.Path)
		json.NewEncoder(w).Encode(SupportedResponse{
			X402Version:     "0.1.0",
			Scheme:          "exact",
			Network:         "base-sepolia",
			FeePayer:        "0xfee",
			SupportedTokens: []string{"0xToken"},
		})
	}))
	defer srv.Close()

	sup, err := NewClient(srv.URL).Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exact", sup.Scheme)
	assert.Equal(t, "0xfee", sup.FeePayer)
}

func TestClient_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/verify", r.URL.Path)

		var body paymentBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "dHg=", body.Payment.Transaction)

		json.NewEncoder(w).Encode(VerifyResponse{IsValid: true, Message: "ok"})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Verify(context.Background(), "dHg=")
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestClient_Settle_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		json.NewEncoder(w).Encode(SettleResponse{
			Success:              true,
			TransactionSignature: "0xsig",
			Network:              "base-sepolia",
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Settle(context.Background(), "dHg=")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "0xsig", resp.TransactionSignature)
}

func TestClient_Settle_FailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(SettleResponse{Success: false, Error: "insufficient_balance"})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Settle(context.Background(), "dHg=")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "insufficient_balance", resp.Error)
	// A facilitator-level failure is a terminal answer, not a transport
	// failure: exactly one call.
	assert.Equal(t, int64(1), calls.Load())
}

func TestClient_Settle_RetriesTransportFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(SettleResponse{Success: true, TransactionSignature: "0xsig"})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Settle(context.Background(), "dHg=")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_Unavailable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1") // nothing listens here
	_, err := client.Supported(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}
