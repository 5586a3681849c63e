// Package market implements the marketplace core: agent registration and
// discovery, the RFP lifecycle (broadcast, bidding, winner selection),
// assignments, delivery records, and ratings.
package market

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrAgentNotFound      = errors.New("market: agent not found")
	ErrAgentNotRegistered = errors.New("market: agent not registered")
	ErrRFPNotFound        = errors.New("market: rfp not found")
	ErrBidNotFound        = errors.New("market: bid not found")
	ErrAssignmentNotFound = errors.New("market: assignment not found")
	ErrRFPNotOpen         = errors.New("market: rfp is not open for bids")
	ErrBidOverBudget      = errors.New("market: bid price exceeds rfp budget")
	ErrBidDeadlinePast    = errors.New("market: bidding deadline has passed")
	ErrSelfBid            = errors.New("market: requester cannot bid on own rfp")
	ErrUnauthorized       = errors.New("market: not authorized for this operation")
	ErrAlreadyAssigned    = errors.New("market: rfp already has an assignment")
	ErrDuplicateRating    = errors.New("market: assignment already rated by this agent")
	ErrValidation         = errors.New("market: invalid input")
)

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// AgentType categorizes what role an agent plays in the marketplace.
type AgentType string

const (
	AgentTypeDataProvider AgentType = "data_provider"
	AgentTypeConsumer     AgentType = "consumer"
	AgentTypeExecutor     AgentType = "executor"
	AgentTypeCustom       AgentType = "custom"
)

// AgentStatus is an agent's availability.
type AgentStatus string

const (
	AgentStatusActive      AgentStatus = "active"
	AgentStatusInactive    AgentStatus = "inactive"
	AgentStatusMaintenance AgentStatus = "maintenance"
)

// Agent is a registered marketplace participant.
type Agent struct {
	AgentID         string            `json:"agent_id"`
	Name            string            `json:"name"`
	AgentType       AgentType         `json:"agent_type"`
	EndpointURL     string            `json:"endpoint_url,omitempty"`
	WalletAddress   string            `json:"wallet_address"`
	Capabilities    []string          `json:"capabilities"`
	Pricing         map[string]string `json:"pricing,omitempty"` // capability -> USDC price
	Status          AgentStatus       `json:"status"`
	Reputation      float64           `json:"reputation"` // running mean of ratings, 0-5
	TotalTasks      int               `json:"total_tasks"`
	SuccessfulTasks int               `json:"successful_tasks"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HasCapability reports whether the agent advertises the given capability.
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// AgentQuery filters agent discovery.
type AgentQuery struct {
	AgentType  AgentType
	Capability string
	ActiveOnly bool
	Limit      int
}

// -----------------------------------------------------------------------------
// RFPs
// -----------------------------------------------------------------------------

// RFPStatus is the lifecycle state of an RFP.
//
// Transitions are monotone within open -> bidding_closed -> assigned ->
// completed; cancelled and expired are terminal sinks reachable from open
// and bidding_closed.
type RFPStatus string

const (
	RFPStatusOpen          RFPStatus = "open"
	RFPStatusBiddingClosed RFPStatus = "bidding_closed"
	RFPStatusAssigned      RFPStatus = "assigned"
	RFPStatusCompleted     RFPStatus = "completed"
	RFPStatusCancelled     RFPStatus = "cancelled"
	RFPStatusExpired       RFPStatus = "expired"
)

// RFP is a consumer's broadcast request for a service.
type RFP struct {
	RFPID                  string         `json:"rfp_id"`
	RequesterAgentID       string         `json:"requester_agent_id"`
	TaskType               string         `json:"task_type"`
	Description            string         `json:"description,omitempty"`
	Requirements           map[string]any `json:"requirements,omitempty"`
	MaxBudgetUSDC          string         `json:"max_budget_usdc"`
	RequiredDeliveryTimeMS int64          `json:"required_delivery_time_ms,omitempty"`
	BiddingDeadline        *time.Time     `json:"bidding_deadline,omitempty"`
	Status                 RFPStatus      `json:"status"`
	CreatedAt              time.Time      `json:"created_at"`
	ExpiresAt              time.Time      `json:"expires_at"`
}

// IsTerminal reports whether the RFP has reached a final state.
func (r *RFP) IsTerminal() bool {
	switch r.Status {
	case RFPStatusCompleted, RFPStatusCancelled, RFPStatusExpired:
		return true
	}
	return false
}

// AcceptsBids reports whether a bid submitted at now would be considered.
func (r *RFP) AcceptsBids(now time.Time) bool {
	if r.Status != RFPStatusOpen {
		return false
	}
	if now.After(r.ExpiresAt) {
		return false
	}
	if r.BiddingDeadline != nil && now.After(*r.BiddingDeadline) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// Bid is a provider's offer on an RFP. At most one active bid exists per
// (rfp, bidder); resubmission replaces the prior bid.
type Bid struct {
	BidID                 string    `json:"bid_id"`
	RFPID                 string    `json:"rfp_id"`
	BidderAgentID         string    `json:"bidder_agent_id"`
	BidPriceUSDC          string    `json:"bid_price_usdc"`
	EstimatedCompletionMS int64     `json:"estimated_completion_ms,omitempty"`
	ConfidenceScore       float64   `json:"confidence_score"` // bidder's own confidence, 0-1
	ReputationScore       float64   `json:"reputation_score"` // snapshot at submission, 0-5
	Message               string    `json:"message,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	CreatedAt             time.Time `json:"created_at"`
}

// -----------------------------------------------------------------------------
// Assignments
// -----------------------------------------------------------------------------

// AssignmentStatus tracks an assignment from winner selection to completion.
type AssignmentStatus string

const (
	AssignmentStatusPendingPayment   AssignmentStatus = "pending_payment"
	AssignmentStatusPaymentConfirmed AssignmentStatus = "payment_confirmed"
	AssignmentStatusDelivered        AssignmentStatus = "delivered"
	AssignmentStatusDisputed         AssignmentStatus = "disputed"
	AssignmentStatusCompleted        AssignmentStatus = "completed"
	AssignmentStatusFailed           AssignmentStatus = "failed"
)

// Assignment is the durable record that a bid was accepted; it pairs
// consumer and provider until delivery and rating.
type Assignment struct {
	AssignmentID       string           `json:"assignment_id"`
	RFPID              string           `json:"rfp_id"`
	WinningBidID       string           `json:"winning_bid_id"`
	ProviderAgentID    string           `json:"provider_agent_id"`
	ConsumerAgentID    string           `json:"consumer_agent_id"`
	AgreedPriceUSDC    string           `json:"agreed_price_usdc"`
	Status             AssignmentStatus `json:"status"`
	PaymentTxSignature string           `json:"payment_tx_signature,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	DeliveredAt        *time.Time       `json:"delivered_at,omitempty"`
}

// -----------------------------------------------------------------------------
// Ratings
// -----------------------------------------------------------------------------

// Rating is an append-only star rating on a completed assignment.
type Rating struct {
	RatingID     string    `json:"rating_id"`
	RaterAgentID string    `json:"rater_agent_id"`
	RatedAgentID string    `json:"rated_agent_id"`
	AssignmentID string    `json:"assignment_id"`
	Stars        int       `json:"stars"` // 1-5
	Review       string    `json:"review,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RatingAggregate is a per-agent rating summary. The registry reads these
// at startup to rebuild the reputation tracker from persisted ratings.
type RatingAggregate struct {
	AgentID   string  `json:"agent_id"`
	Mean      float64 `json:"mean"`
	Count     int     `json:"count"`
	Histogram [5]int  `json:"histogram"`
}

// -----------------------------------------------------------------------------
// Request payloads
// -----------------------------------------------------------------------------

// RegisterAgentRequest is the payload for agent registration.
// Re-registering an existing agent_id updates the record in place.
type RegisterAgentRequest struct {
	AgentID       string            `json:"agent_id" binding:"required"`
	Name          string            `json:"name" binding:"required"`
	AgentType     AgentType         `json:"agent_type" binding:"required"`
	EndpointURL   string            `json:"endpoint_url"`
	WalletAddress string            `json:"wallet_address" binding:"required"`
	Capabilities  []string          `json:"capabilities"`
	Pricing       map[string]string `json:"pricing"`
}

// SubscribeRequest subscribes an agent to RFPs of a task type.
type SubscribeRequest struct {
	TaskType string `json:"task_type" binding:"required"`
}

// CreateRFPRequest is the payload for broadcasting an RFP.
type CreateRFPRequest struct {
	RequesterAgentID       string         `json:"requester_agent_id" binding:"required"`
	TaskType               string         `json:"task_type" binding:"required"`
	Description            string         `json:"description"`
	Requirements           map[string]any `json:"requirements"`
	MaxBudgetUSDC          string         `json:"max_budget_usdc" binding:"required"`
	RequiredDeliveryTimeMS int64          `json:"required_delivery_time_ms"`
	BiddingWindowSeconds   int            `json:"bidding_window_seconds"` // sets bidding_deadline = now + window
	ExpiresInSeconds       int            `json:"expires_in_seconds"`     // default 300
}

// SubmitBidRequest is the payload for bidding on an RFP.
type SubmitBidRequest struct {
	BidderAgentID         string  `json:"bidder_agent_id" binding:"required"`
	BidPriceUSDC          string  `json:"bid_price_usdc" binding:"required"`
	EstimatedCompletionMS int64   `json:"estimated_completion_ms"`
	ConfidenceScore       float64 `json:"confidence_score"`
	Message               string  `json:"message"`
}

// SelectWinnerRequest picks a winning bid. Only the RFP's requester may select.
type SelectWinnerRequest struct {
	BidID           string `json:"bid_id" binding:"required"`
	SelectorAgentID string `json:"selector_agent_id" binding:"required"`
}

// CancelRFPRequest cancels an open RFP. Only the requester may cancel.
type CancelRFPRequest struct {
	RequesterAgentID string `json:"requester_agent_id" binding:"required"`
	Reason           string `json:"reason"`
}

// RecordDeliveryRequest attaches the settlement signature to an assignment.
type RecordDeliveryRequest struct {
	TxSignature string `json:"tx_signature" binding:"required"`
}

// RateRequest records a star rating for the provider on an assignment.
type RateRequest struct {
	RaterAgentID string `json:"rater_agent_id" binding:"required"`
	AssignmentID string `json:"assignment_id" binding:"required"`
	Stars        int    `json:"stars" binding:"required"`
	Review       string `json:"review"`
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats summarizes marketplace activity.
type Stats struct {
	TotalAgents      int       `json:"total_agents"`
	TotalRFPs        int       `json:"total_rfps"`
	OpenRFPs         int       `json:"open_rfps"`
	TotalBids        int       `json:"total_bids"`
	TotalAssignments int       `json:"total_assignments"`
	TotalRatings     int       `json:"total_ratings"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// KnownTaskTypes is the task taxonomy carried over from the marketplace
// protocol. Agents may use these or define their own.
var KnownTaskTypes = []string{
	"price_data",
	"swap_simulation",
	"swap_execution",
	"analytics",
	"oracle_data",
	"custom",
}

// IsKnownTaskType checks if a task type is in the taxonomy.
func IsKnownTaskType(t string) bool {
	for _, known := range KnownTaskTypes {
		if known == t {
			return true
		}
	}
	return false
}
