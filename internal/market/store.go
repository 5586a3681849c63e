package market

import (
	"context"
	"time"
)

// Store defines the persistence interface for the marketplace.
// Implementations must be safe for concurrent use; all invariants that
// span multiple records are enforced by the Service layer under per-RFP
// locks, so store methods are plain CRUD with single-record guarantees.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error

	// Subscriptions
	Subscribe(ctx context.Context, agentID, taskType string) error
	Unsubscribe(ctx context.Context, agentID, taskType string) error
	Subscriptions(ctx context.Context, agentID string) ([]string, error)

	// RFPs
	CreateRFP(ctx context.Context, rfp *RFP) error
	GetRFP(ctx context.Context, rfpID string) (*RFP, error)
	UpdateRFP(ctx context.Context, rfp *RFP) error
	ListOpenRFPs(ctx context.Context, taskTypes []string, now time.Time) ([]*RFP, error)
	ListStaleRFPs(ctx context.Context, before time.Time, limit int) ([]*RFP, error)
	ListOpenPastDeadline(ctx context.Context, before time.Time, limit int) ([]*RFP, error)

	// Bids. UpsertBid replaces any existing bid by the same bidder on the
	// same RFP (replace semantics, not concatenation).
	UpsertBid(ctx context.Context, bid *Bid) error
	GetBid(ctx context.Context, bidID string) (*Bid, error)
	GetBidByBidder(ctx context.Context, rfpID, bidderAgentID string) (*Bid, error)
	ListBids(ctx context.Context, rfpID string) ([]*Bid, error)

	// Assignments
	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error)
	GetAssignmentByRFP(ctx context.Context, rfpID string) (*Assignment, error)
	UpdateAssignment(ctx context.Context, a *Assignment) error

	// Ratings
	CreateRating(ctx context.Context, r *Rating) error
	HasRating(ctx context.Context, raterAgentID, assignmentID string) (bool, error)
	ListRatings(ctx context.Context, ratedAgentID string, limit int) ([]*Rating, error)
	ListRatingAggregates(ctx context.Context) ([]*RatingAggregate, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)
}
