// Mesh consumer - one marketplace run: broadcast an RFP, collect bids,
// pick a winner, pay over x402, fetch the service, rate the provider
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/thisissamridh/mesh/internal/config"
	"github.com/thisissamridh/mesh/internal/consumer"
	"github.com/thisissamridh/mesh/internal/evaluator"
	"github.com/thisissamridh/mesh/internal/facilitator"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/txbuilder"
	"github.com/thisissamridh/mesh/internal/wallet"
	"github.com/thisissamridh/mesh/internal/x402"
)

func main() {
	taskType := flag.String("task", "price_data", "task type to request")
	description := flag.String("description", "Current SOL/USDC spot price", "task description")
	budget := flag.String("budget", "0.001", "maximum USDC budget")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Exit(1)
	}

	logger := logging.ForService(cfg.LogLevel, "text", "consumer")

	if err := cfg.ValidateAgent(); err != nil {
		logger.Error("invalid agent configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWallet(); err != nil {
		logger.Error("invalid wallet configuration", "error", err)
		os.Exit(1)
	}

	w, err := wallet.New(wallet.Config{
		RPCURL:        cfg.RPCURL,
		PrivateKey:    cfg.PrivateKey,
		ChainID:       cfg.ChainID,
		TokenContract: cfg.TokenContract,
	})
	if err != nil {
		logger.Error("failed to open wallet", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	builder, err := txbuilder.New(w.Client(), cfg.TokenContract, cfg.ChainID)
	if err != nil {
		logger.Error("failed to create transaction builder", "error", err)
		os.Exit(1)
	}

	payments := x402.New(builder, facilitator.NewClient(cfg.FacilitatorURL),
		w.Address(), cfg.Network, logger)

	// Rank through the model when configured, deterministic otherwise; the
	// fallback always backstops model failures.
	var eval evaluator.BidEvaluator = evaluator.NewWeighted()
	if cfg.ModelAPIKey != "" {
		eval = evaluator.WithFallback(
			evaluator.NewModel(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName),
			evaluator.NewWeighted(),
		)
	}

	loop := consumer.New(consumer.Config{
		AgentID:   cfg.AgentID,
		BidWindow: cfg.BidWindow,
		Deadline:  cfg.RequestDeadline,
	}, registryclient.New(cfg.RegistryURL), payments, eval, logger)

	result := loop.RequestService(context.Background(), consumer.ServiceRequest{
		TaskType:      *taskType,
		Description:   *description,
		MaxBudgetUSDC: *budget,
	})

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.OK {
		os.Exit(1)
	}
}
