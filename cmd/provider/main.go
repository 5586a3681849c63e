// Mesh provider - polls for RFPs, bids through the evaluator, and serves a
// payment-gated /deliver endpoint
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thisissamridh/mesh/internal/config"
	"github.com/thisissamridh/mesh/internal/evaluator"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/provider"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Exit(1)
	}

	logger := logging.ForService(cfg.LogLevel, "text", "provider")

	if err := cfg.ValidateAgent(); err != nil {
		logger.Error("invalid agent configuration", "error", err)
		os.Exit(1)
	}

	verifier, err := wallet.DialVerifier(cfg.RPCURL, cfg.TokenContract)
	if err != nil {
		logger.Error("failed to connect to ledger", "error", err)
		os.Exit(1)
	}

	endpointURL := cfg.EndpointURL
	if endpointURL == "" {
		endpointURL = "http://localhost:" + cfg.Port
	}

	// Bid decisions go through the model when configured, with the
	// deterministic strategy as fallback either way.
	var bidder evaluator.Bidder = evaluator.NewWeighted()
	if cfg.ModelAPIKey != "" {
		bidder = &modelBidder{
			model:    evaluator.NewModel(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName),
			fallback: evaluator.NewWeighted(),
		}
	}

	agent, err := provider.New(provider.Config{
		AgentID:        cfg.AgentID,
		Name:           cfg.AgentName,
		WalletAddress:  cfg.WalletAddress,
		EndpointURL:    endpointURL,
		TaskTypes:      cfg.TaskTypes,
		PriceUSDC:      cfg.PriceUSDC,
		TokenContract:  cfg.TokenContract,
		Network:        cfg.Network,
		FacilitatorURL: cfg.FacilitatorURL,
		PollInterval:   cfg.PollInterval,
	}, registryclient.New(cfg.RegistryURL), verifier, bidder,
		&provider.PriceQuoteHandler{}, logger)
	if err != nil {
		logger.Error("failed to create provider", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Register(ctx); err != nil {
		logger.Error("registration failed", "error", err)
		os.Exit(1)
	}

	go agent.Poll(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           agent.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("provider listening", "port", cfg.Port, "endpoint", endpointURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("provider error", "error", err)
		os.Exit(1)
	}
}

// modelBidder tries the model for bid decisions and falls back to the
// deterministic strategy when the model fails.
type modelBidder struct {
	model    *evaluator.Model
	fallback *evaluator.Weighted
}

func (b *modelBidder) DecideBid(ctx context.Context, rfp *market.RFP, basePrice string) (*evaluator.BidDecision, error) {
	decision, err := b.model.DecideBid(ctx, rfp, basePrice)
	if err == nil {
		return decision, nil
	}
	return b.fallback.DecideBid(ctx, rfp, basePrice)
}
