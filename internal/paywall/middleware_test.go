package paywall

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisissamridh/mesh/internal/x402"
)

// stubVerifier accepts a configured set of signatures.
type stubVerifier struct {
	valid map[string]bool
	calls int
}

func (v *stubVerifier) VerifyTransfer(_ context.Context, txHash, _ string, _ *big.Int) (bool, error) {
	v.calls++
	return v.valid[txHash], nil
}

func newGatedRouter(verifier Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	gate := Middleware(Config{
		RecipientWallet: "0x9999999999999999999999999999999999999999",
		TokenMint:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Network:         "base-sepolia",
		FacilitatorURL:  "http://localhost:3000",
		Verifier:        verifier,
	}, big.NewInt(100))

	r.POST("/deliver", gate, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service_data":      gin.H{"ok": true},
			"payment_signature": Signature(c),
		})
	})
	return r
}

func deliver(r *gin.Engine, proof string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/deliver", nil)
	if proof != "" {
		req.Header.Set(x402.PaymentHeader, proof)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ChallengeShape(t *testing.T) {
	r := newGatedRouter(&stubVerifier{})

	w := deliver(r, "")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var challenge x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.Equal(t, "0x9999999999999999999999999999999999999999", challenge.Recipient)
	assert.Equal(t, int64(100), challenge.AmountMinor)
	assert.Equal(t, "0.000100", challenge.AmountHuman)
	assert.Equal(t, "base-sepolia", challenge.Network)
	assert.NotEmpty(t, challenge.Nonce)
	assert.False(t, challenge.ExpiresAt.IsZero())
}

func TestMiddleware_VerifiedPaymentPasses(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]bool{"0xsig": true}}
	r := newGatedRouter(verifier)

	proof, _ := json.Marshal(x402.Proof{Signature: "0xsig", Network: "base-sepolia"})
	w := deliver(r, string(proof))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		PaymentSignature string `json:"payment_signature"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "0xsig", body.PaymentSignature)
	assert.Equal(t, 1, verifier.calls)
}

func TestMiddleware_UnverifiedPaymentRejected(t *testing.T) {
	r := newGatedRouter(&stubVerifier{valid: map[string]bool{}})

	proof, _ := json.Marshal(x402.Proof{Signature: "0xunknown", Network: "base-sepolia"})
	w := deliver(r, string(proof))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment_not_found_or_insufficient", body.Error)
}

func TestMiddleware_ReplayRejected(t *testing.T) {
	verifier := &stubVerifier{valid: map[string]bool{"0xsig": true}}
	r := newGatedRouter(verifier)

	proof, _ := json.Marshal(x402.Proof{Signature: "0xsig", Network: "base-sepolia"})

	// First use succeeds.
	w := deliver(r, string(proof))
	require.Equal(t, http.StatusOK, w.Code)

	// Second use of the same signature is rejected even though it still
	// verifies on the ledger.
	w = deliver(r, string(proof))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "payment_signature_already_used", body.Error)
}

func TestMiddleware_MalformedProof(t *testing.T) {
	r := newGatedRouter(&stubVerifier{})
	w := deliver(r, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
