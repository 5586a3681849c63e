// Mesh facilitator - signs payment transactions as fee payer and broadcasts
// them to the ledger
package main

import (
	"os"

	"github.com/gin-gonic/gin"

	"github.com/thisissamridh/mesh/internal/config"
	"github.com/thisissamridh/mesh/internal/facilitator"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/metrics"
	"github.com/thisissamridh/mesh/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Exit(1)
	}

	logger := logging.ForService(cfg.LogLevel, "text", "facilitator")

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

	logger.Info("facilitator starting",
		"fee_payer", w.Address(),
		"network", cfg.Network,
		"token", cfg.TokenContract,
		"port", cfg.Port,
	)

	svc := facilitator.NewService(w, cfg.Network, logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())
	r.GET("/metrics", metrics.Handler())
	facilitator.NewHandler(svc).RegisterRoutes(r)

	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Error("facilitator error", "error", err)
		os.Exit(1)
	}
}
