package facilitator

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/metrics"
)

// Handler exposes the facilitator service over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a facilitator HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the facilitator routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Root)
	r.GET("/supported", h.Supported)
	r.POST("/verify", h.Verify)
	r.POST("/settle", h.Settle)
	r.GET("/health", h.Health)
}

// Root handles GET /
func (h *Handler) Root(c *gin.Context) {
	sup := h.service.Supported()
	c.JSON(http.StatusOK, gin.H{
		"service":  "mesh facilitator",
		"feePayer": sup.FeePayer,
		"network":  sup.Network,
	})
}

// Supported handles GET /supported
func (h *Handler) Supported(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Supported())
}

// Verify handles POST /verify
func (h *Handler) Verify(c *gin.Context) {
	var req paymentBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Payment.Transaction == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payment.transaction is required",
		})
		return
	}

	resp := h.service.Verify(c.Request.Context(), req.Payment.Transaction)
	c.JSON(http.StatusOK, resp)
}

// Settle handles POST /settle
func (h *Handler) Settle(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req paymentBody
	if err := c.ShouldBindJSON(&req); err != nil || req.Payment.Transaction == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payment.transaction is required",
		})
		return
	}

	resp := h.service.Settle(ctx, req.Payment.Transaction)
	if resp.Success {
		metrics.SettlementsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.SettlementsTotal.WithLabelValues("failure").Inc()
		logger.Warn("settlement failed", "error", resp.Error)
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if _, err := h.service.FeePayerBalance(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"healthy": false, "detail": "ledger RPC unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"healthy": true})
}
