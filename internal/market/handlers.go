package market

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/thisissamridh/mesh/internal/logging"
	"github.com/thisissamridh/mesh/internal/reputation"
)

// Handler provides the registry HTTP API over the marketplace service.
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	// Agent management
	r.POST("/agents/register", h.RegisterAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
	r.DELETE("/agents/:id", h.UnregisterAgent)
	r.PATCH("/agents/:id/status", h.SetAgentStatus)
	r.POST("/agents/:id/subscribe", h.Subscribe)
	r.POST("/agents/:id/unsubscribe", h.Unsubscribe)

	// Reputation
	r.POST("/agents/:id/rate", h.Rate)
	r.GET("/agents/:id/reputation", h.GetReputation)
	r.GET("/agents/:id/ratings", h.ListRatings)

	// RFP lifecycle
	r.POST("/rfp/create", h.CreateRFP)
	r.GET("/rfp/open", h.ListOpenRFPs)
	r.GET("/rfp/:rfp_id", h.GetRFP)
	r.POST("/rfp/:rfp_id/bid", h.SubmitBid)
	r.GET("/rfp/:rfp_id/bids", h.ListBids)
	r.GET("/rfp/:rfp_id/evaluate", h.EvaluateBids)
	r.POST("/rfp/:rfp_id/select", h.SelectWinner)
	r.POST("/rfp/:rfp_id/cancel", h.CancelRFP)

	// Assignments
	r.GET("/assignments/:id", h.GetAssignment)
	r.POST("/assignments/:id/delivery", h.RecordDelivery)

	// Stats
	r.GET("/stats", h.GetStats)
}

// writeError maps store/service errors to HTTP statuses deterministically.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrRFPNotFound),
		errors.Is(err, ErrBidNotFound),
		errors.Is(err, ErrAssignmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrAlreadyAssigned):
		c.JSON(http.StatusConflict, gin.H{"error": "already_assigned", "message": err.Error()})
	case errors.Is(err, ErrDuplicateRating):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_rating", "message": err.Error()})
	case errors.Is(err, ErrRFPNotOpen), errors.Is(err, ErrBidDeadlinePast):
		c.JSON(http.StatusConflict, gin.H{"error": "rfp_closed", "message": err.Error()})
	case errors.Is(err, ErrBidOverBudget),
		errors.Is(err, ErrSelfBid),
		errors.Is(err, ErrAgentNotRegistered),
		errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("internal error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "unexpected error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

// -----------------------------------------------------------------------------
// Agent handlers
// -----------------------------------------------------------------------------

// RegisterAgent handles POST /agents/register
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	agent, err := h.service.RegisterAgent(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agent)
}

// GetAgent handles GET /agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListAgents handles GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	query := AgentQuery{
		AgentType:  AgentType(c.Query("agent_type")),
		Capability: c.Query("capability"),
		ActiveOnly: c.Query("include_inactive") != "true",
		Limit:      parseIntQuery(c, "limit", 100),
	}

	agents, err := h.service.ListAgents(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// UnregisterAgent handles DELETE /agents/:id
func (h *Handler) UnregisterAgent(c *gin.Context) {
	if err := h.service.UnregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetAgentStatus handles PATCH /agents/:id/status
func (h *Handler) SetAgentStatus(c *gin.Context) {
	var req struct {
		Status AgentStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	agent, err := h.service.SetAgentStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Subscribe handles POST /agents/:id/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if err := h.service.Subscribe(c.Request.Context(), c.Param("id"), req.TaskType); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "task_type": req.TaskType, "subscribed": true})
}

// Unsubscribe handles POST /agents/:id/unsubscribe
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if err := h.service.Unsubscribe(c.Request.Context(), c.Param("id"), req.TaskType); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "task_type": req.TaskType, "subscribed": false})
}

// -----------------------------------------------------------------------------
// RFP handlers
// -----------------------------------------------------------------------------

// CreateRFP handles POST /rfp/create
func (h *Handler) CreateRFP(c *gin.Context) {
	var req CreateRFPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	rfp, err := h.service.CreateRFP(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rfp)
}

// ListOpenRFPs handles GET /rfp/open?task_types=a,b
func (h *Handler) ListOpenRFPs(c *gin.Context) {
	var taskTypes []string
	if raw := c.Query("task_types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				taskTypes = append(taskTypes, t)
			}
		}
	}

	rfps, err := h.service.ListOpenRFPs(c.Request.Context(), taskTypes)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rfps": rfps, "count": len(rfps)})
}

// GetRFP handles GET /rfp/:rfp_id
func (h *Handler) GetRFP(c *gin.Context) {
	rfp, err := h.service.GetRFP(c.Request.Context(), c.Param("rfp_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rfp)
}

// SubmitBid handles POST /rfp/:rfp_id/bid
func (h *Handler) SubmitBid(c *gin.Context) {
	var req SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	bid, err := h.service.SubmitBid(c.Request.Context(), c.Param("rfp_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, bid)
}

// ListBids handles GET /rfp/:rfp_id/bids
func (h *Handler) ListBids(c *gin.Context) {
	bids, err := h.service.ListBids(c.Request.Context(), c.Param("rfp_id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// EvaluateBids handles GET /rfp/:rfp_id/evaluate
// Returns the deterministic ranking preview for the RFP's bids.
func (h *Handler) EvaluateBids(c *gin.Context) {
	ctx := c.Request.Context()
	rfpID := c.Param("rfp_id")

	rfp, err := h.service.GetRFP(ctx, rfpID)
	if err != nil {
		writeError(c, err)
		return
	}
	bids, err := h.service.ListBids(ctx, rfpID)
	if err != nil {
		writeError(c, err)
		return
	}

	ranked := RankBids(rfp, bids, DefaultScoringWeights())
	c.JSON(http.StatusOK, gin.H{"rfp_id": rfpID, "ranking": ranked, "count": len(ranked)})
}

// SelectWinner handles POST /rfp/:rfp_id/select
func (h *Handler) SelectWinner(c *gin.Context) {
	var req SelectWinnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	assignment, err := h.service.SelectWinner(c.Request.Context(), c.Param("rfp_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, assignment)
}

// CancelRFP handles POST /rfp/:rfp_id/cancel
func (h *Handler) CancelRFP(c *gin.Context) {
	var req CancelRFPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	rfp, err := h.service.CancelRFP(c.Request.Context(), c.Param("rfp_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, rfp)
}

// -----------------------------------------------------------------------------
// Assignment handlers
// -----------------------------------------------------------------------------

// GetAssignment handles GET /assignments/:id
func (h *Handler) GetAssignment(c *gin.Context) {
	a, err := h.service.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// RecordDelivery handles POST /assignments/:id/delivery
func (h *Handler) RecordDelivery(c *gin.Context) {
	var req RecordDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	a, err := h.service.RecordDelivery(c.Request.Context(), c.Param("id"), req.TxSignature)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

// -----------------------------------------------------------------------------
// Rating handlers
// -----------------------------------------------------------------------------

// Rate handles POST /agents/:id/rate
func (h *Handler) Rate(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	rating, score, err := h.service.Rate(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rating": rating, "reputation": score})
}

// GetReputation handles GET /agents/:id/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	agentID := c.Param("id")
	if _, err := h.service.GetAgent(c.Request.Context(), agentID); err != nil {
		writeError(c, err)
		return
	}

	score := h.service.Reputation(agentID)
	c.JSON(http.StatusOK, gin.H{
		"agent_id":  agentID,
		"mean":      score.Mean,
		"count":     score.Count,
		"histogram": score.Histogram,
		"tier":      reputation.TierFor(score),
	})
}

// ListRatings handles GET /agents/:id/ratings
func (h *Handler) ListRatings(c *gin.Context) {
	ratings, err := h.service.Ratings(c.Request.Context(), c.Param("id"), parseIntQuery(c, "limit", 10))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ratings": ratings, "count": len(ratings)})
}

// -----------------------------------------------------------------------------
// Stats handler
// -----------------------------------------------------------------------------

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func parseIntQuery(c *gin.Context, key string, defaultVal int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}
