// Package provider implements a provider agent: it registers with the
// registry, polls for matching RFPs, bids through the evaluator, and serves
// a payment-gated /deliver endpoint.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thisissamridh/mesh/internal/evaluator"
	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/paywall"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/wallet"
)

// ServiceHandler produces the deliverable once payment is verified.
// Implementations hold the provider's actual business logic.
type ServiceHandler interface {
	Serve(ctx context.Context, req DeliverRequest) (any, error)
}

// DeliverRequest is the optional body of a /deliver call.
type DeliverRequest struct {
	RFPID        string         `json:"rfp_id,omitempty"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	Requirements map[string]any `json:"requirements,omitempty"`
}

// Config for a provider agent.
type Config struct {
	AgentID       string
	Name          string
	WalletAddress string
	EndpointURL   string
	TaskTypes     []string
	PriceUSDC     string // advertised price per delivery

	// Ledger identity for payment challenges.
	TokenContract  string
	Network        string
	FacilitatorURL string

	PollInterval time.Duration
}

// Agent is a running provider.
type Agent struct {
	cfg      Config
	registry *registryclient.Client
	verifier paywall.Verifier
	bidder   evaluator.Bidder
	handler  ServiceHandler
	logger   *slog.Logger

	priceMinor *big.Int

	// Stats surfaced on the root endpoint.
	bidsSubmitted atomic.Int64
	deliveries    atomic.Int64
	revenueMinor  atomic.Int64

	seenMu sync.Mutex
	seen   map[string]bool // RFP ids already considered
}

// New creates a provider agent.
func New(cfg Config, registry *registryclient.Client, verifier paywall.Verifier,
	bidder evaluator.Bidder, handler ServiceHandler, logger *slog.Logger) (*Agent, error) {

	if cfg.AgentID == "" || cfg.WalletAddress == "" {
		return nil, errors.New("provider: agent id and wallet address are required")
	}
	priceMinor, err := wallet.ParseUSDC(cfg.PriceUSDC)
	if err != nil || priceMinor.Sign() <= 0 {
		return nil, fmt.Errorf("provider: invalid price %q", cfg.PriceUSDC)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}

	return &Agent{
		cfg:        cfg,
		registry:   registry,
		verifier:   verifier,
		bidder:     bidder,
		handler:    handler,
		logger:     logger,
		priceMinor: priceMinor,
		seen:       make(map[string]bool),
	}, nil
}

// Register announces the agent to the registry and subscribes to its task
// types. Safe to call repeatedly: re-registration updates in place.
func (a *Agent) Register(ctx context.Context) error {
	pricing := make(map[string]string, len(a.cfg.TaskTypes))
	for _, t := range a.cfg.TaskTypes {
		pricing[t] = a.cfg.PriceUSDC
	}

	_, err := a.registry.Register(ctx, market.RegisterAgentRequest{
		AgentID:       a.cfg.AgentID,
		Name:          a.cfg.Name,
		AgentType:     market.AgentTypeDataProvider,
		EndpointURL:   a.cfg.EndpointURL,
		WalletAddress: a.cfg.WalletAddress,
		Capabilities:  a.cfg.TaskTypes,
		Pricing:       pricing,
	})
	if err != nil {
		return fmt.Errorf("provider: registration failed: %w", err)
	}

	for _, t := range a.cfg.TaskTypes {
		if err := a.registry.Subscribe(ctx, a.cfg.AgentID, t); err != nil {
			return fmt.Errorf("provider: subscribe to %s failed: %w", t, err)
		}
	}

	a.logger.Info("provider registered",
		"agent_id", a.cfg.AgentID,
		"task_types", a.cfg.TaskTypes,
		"price_usdc", a.cfg.PriceUSDC,
	)
	return nil
}

// Router builds the provider's HTTP surface.
func (a *Agent) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", a.handleRoot)
	r.GET("/health", a.handleHealth)

	gate := paywall.Middleware(paywall.Config{
		RecipientWallet: a.cfg.WalletAddress,
		TokenMint:       a.cfg.TokenContract,
		Network:         a.cfg.Network,
		FacilitatorURL:  a.cfg.FacilitatorURL,
		Verifier:        a.verifier,
		OnPaymentAccepted: func(signature string, amountMinor *big.Int) {
			a.revenueMinor.Add(amountMinor.Int64())
		},
	}, a.priceMinor)

	r.POST("/deliver", gate, a.handleDeliver)
	return r
}

func (a *Agent) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"agent_id": a.cfg.AgentID,
		"name":     a.cfg.Name,
		"service":  "mesh provider",
		"status":   "active",
		"stats": gin.H{
			"bids_submitted": a.bidsSubmitted.Load(),
			"deliveries":     a.deliveries.Load(),
			"revenue_usdc":   wallet.FormatUSDC(big.NewInt(a.revenueMinor.Load())),
		},
	})
}

func (a *Agent) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}

// handleDeliver runs behind the paywall: by the time it executes the
// payment signature has been verified and replay-checked.
func (a *Agent) handleDeliver(c *gin.Context) {
	var req DeliverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "unparsable delivery request body",
			})
			return
		}
	}

	data, err := a.handler.Serve(c.Request.Context(), req)
	if err != nil {
		a.logger.Error("service handler failed", "error", err, "rfp_id", req.RFPID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "service_failed",
			"message": "provider could not produce the service",
		})
		return
	}

	a.deliveries.Add(1)
	c.JSON(http.StatusOK, gin.H{
		"service_data":      data,
		"payment_signature": paywall.Signature(c),
		"agent_id":          a.cfg.AgentID,
	})
}

// -----------------------------------------------------------------------------
// Sample service handler
// -----------------------------------------------------------------------------

// PriceData is the sample deliverable: a spot price quote.
type PriceData struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
}

// PriceQuoteHandler serves static-source price quotes. Real providers plug
// in their own ServiceHandler.
type PriceQuoteHandler struct {
	Symbol string
	Source string
	Quote  func() float64 // price source; defaults to a fixed quote
}

// Serve implements ServiceHandler.
func (h *PriceQuoteHandler) Serve(_ context.Context, _ DeliverRequest) (any, error) {
	symbol := h.Symbol
	if symbol == "" {
		symbol = "SOL/USDC"
	}
	source := h.Source
	if source == "" {
		source = "mesh-sample"
	}
	price := 150.0
	if h.Quote != nil {
		price = h.Quote()
	}

	return &PriceData{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    source,
	}, nil
}

// MarshalStats is used by tests to inspect provider counters.
func (a *Agent) MarshalStats() ([]byte, error) {
	return json.Marshal(map[string]int64{
		"bids_submitted": a.bidsSubmitted.Load(),
		"deliveries":     a.deliveries.Load(),
		"revenue_minor":  a.revenueMinor.Load(),
	})
}
