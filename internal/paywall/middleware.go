// Package paywall implements the HTTP 402 Payment Required gate providers
// put in front of delivery endpoints.
//
// Without proof the middleware answers 402 with a machine-readable payment
// challenge. With an X-Payment-Response header it verifies the settlement
// on the ledger and tracks accepted signatures in a replay cache so one
// paid signature cannot buy two deliveries.
package paywall

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/thisissamridh/mesh/internal/idgen"
	"github.com/thisissamridh/mesh/internal/metrics"
	"github.com/thisissamridh/mesh/internal/wallet"
	"github.com/thisissamridh/mesh/internal/x402"
)

const (
	// signatureKey is the gin context key holding the verified signature.
	signatureKey = "payment_signature"

	// DefaultChallengeTTL is how long a challenge stays valid.
	DefaultChallengeTTL = 5 * time.Minute

	// DefaultReplayTTL must exceed the ledger's finality window so a
	// signature cannot be replayed after eviction while still verifiable.
	DefaultReplayTTL = 30 * time.Minute
)

// replayCache tracks recently accepted signatures.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time // signature -> accepted-at
	ttl  time.Duration
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{seen: make(map[string]time.Time), ttl: ttl}
}

// accept records a signature; returns false if it was already used.
func (rc *replayCache) accept(sig string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	// Evict expired entries while we hold the lock.
	cutoff := time.Now().Add(-rc.ttl)
	for k, t := range rc.seen {
		if t.Before(cutoff) {
			delete(rc.seen, k)
		}
	}

	if _, used := rc.seen[sig]; used {
		return false
	}
	rc.seen[sig] = time.Now()
	return true
}

// Verifier checks a settlement signature against the ledger.
// Satisfied by *wallet.Verifier.
type Verifier interface {
	VerifyTransfer(ctx context.Context, txHash, recipient string, minAmount *big.Int) (bool, error)
}

// Config for the paywall middleware.
type Config struct {
	// RecipientWallet receives the payments (the provider's wallet).
	RecipientWallet string

	// Ledger identity advertised in challenges.
	TokenMint      string
	Network        string
	FacilitatorURL string

	// Verifier confirms settlements on the ledger.
	Verifier Verifier

	// ChallengeTTL bounds challenge validity; ReplayTTL bounds signature reuse.
	ChallengeTTL time.Duration
	ReplayTTL    time.Duration

	// Hooks
	OnPaymentAccepted func(signature string, amountMinor *big.Int)
}

// Middleware creates a gin middleware demanding amountMinor token units
// before the wrapped handler runs.
func Middleware(cfg Config, amountMinor *big.Int) gin.HandlerFunc {
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.ReplayTTL == 0 {
		cfg.ReplayTTL = DefaultReplayTTL
	}
	replays := newReplayCache(cfg.ReplayTTL)

	return func(c *gin.Context) {
		proofHeader := c.GetHeader(x402.PaymentHeader)
		if proofHeader == "" {
			metrics.DeliveriesTotal.WithLabelValues("challenged").Inc()
			issueChallenge(c, cfg, amountMinor)
			return
		}

		var proof x402.Proof
		if err := json.Unmarshal([]byte(proofHeader), &proof); err != nil || proof.Signature == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": "could not parse payment proof header",
			})
			return
		}

		verified, err := cfg.Verifier.VerifyTransfer(c.Request.Context(), proof.Signature, cfg.RecipientWallet, amountMinor)
		if err != nil || !verified {
			metrics.DeliveriesTotal.WithLabelValues("rejected").Inc()
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "payment_not_found_or_insufficient",
			})
			return
		}

		// One paid signature buys one delivery.
		if !replays.accept(proof.Signature) {
			metrics.ReplaysRejectedTotal.Inc()
			metrics.DeliveriesTotal.WithLabelValues("rejected").Inc()
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "payment_signature_already_used",
			})
			return
		}

		if cfg.OnPaymentAccepted != nil {
			cfg.OnPaymentAccepted(proof.Signature, amountMinor)
		}

		c.Set(signatureKey, proof.Signature)
		c.Next()
	}
}

func issueChallenge(c *gin.Context, cfg Config, amountMinor *big.Int) {
	challenge := x402.Challenge{
		Recipient:      cfg.RecipientWallet,
		AmountHuman:    wallet.FormatUSDC(amountMinor),
		AmountMinor:    amountMinor.Int64(),
		TokenMint:      cfg.TokenMint,
		Network:        cfg.Network,
		FacilitatorURL: cfg.FacilitatorURL,
		Nonce:          idgen.New(),
		ExpiresAt:      time.Now().Add(cfg.ChallengeTTL),
	}

	c.Header("X-Payment-Required", "true")
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge)
}

// Signature returns the verified settlement signature from the gin context.
func Signature(c *gin.Context) string {
	if sig, ok := c.Get(signatureKey); ok {
		return sig.(string)
	}
	return ""
}
