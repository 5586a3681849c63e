package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thisissamridh/mesh/internal/idgen"
	"github.com/thisissamridh/mesh/internal/metrics"
	"github.com/thisissamridh/mesh/internal/reputation"
	"github.com/thisissamridh/mesh/internal/syncutil"
	"github.com/thisissamridh/mesh/internal/wallet"
)

// DefaultRFPTTL is how long an RFP stays live when the request does not say.
const DefaultRFPTTL = 5 * time.Minute

// EventPublisher receives marketplace events for streaming to subscribers.
// Satisfied by the realtime hub; a nil publisher disables events.
type EventPublisher interface {
	Publish(event string, data any)
}

// Service implements the marketplace business rules over a Store.
// All mutations of a single RFP (and its bids and assignment) are
// serialized through a per-RFP lock; no lock is held across a network call.
type Service struct {
	store      Store
	reputation *reputation.Tracker
	events     EventPublisher
	logger     *slog.Logger
	locks      syncutil.ShardedMutex // keyed by rfp_id
}

// NewService creates a marketplace service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		reputation: reputation.NewTracker(),
		logger:     logger,
	}
}

// WithEvents attaches an event publisher.
func (s *Service) WithEvents(pub EventPublisher) *Service {
	s.events = pub
	return s
}

func (s *Service) publish(event string, data any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// RegisterAgent registers or updates an agent. Re-registering the same
// agent_id updates the existing record.
func (s *Service) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	if !isValidWalletAddress(req.WalletAddress) {
		return nil, fmt.Errorf("%w: wallet_address must be a valid ledger address", ErrValidation)
	}
	for capability, price := range req.Pricing {
		if amount, err := wallet.ParseUSDC(price); err != nil || amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: invalid price for capability %q", ErrValidation, capability)
		}
	}

	agent := &Agent{
		AgentID:       req.AgentID,
		Name:          req.Name,
		AgentType:     req.AgentType,
		EndpointURL:   req.EndpointURL,
		WalletAddress: req.WalletAddress,
		Capabilities:  req.Capabilities,
		Pricing:       req.Pricing,
		Status:        AgentStatusActive,
	}

	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		"agent_id", agent.AgentID,
		"agent_type", agent.AgentType,
		"wallet", agent.WalletAddress,
	)
	s.publish("agent.registered", agent)
	return agent, nil
}

// GetAgent returns an agent with its current reputation folded in.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Reputation = s.reputation.Get(agentID).Mean
	return agent, nil
}

// ListAgents returns agents matching the query.
func (s *Service) ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, error) {
	agents, err := s.store.ListAgents(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		a.Reputation = s.reputation.Get(a.AgentID).Mean
	}
	return agents, nil
}

// UnregisterAgent removes an agent from the registry.
func (s *Service) UnregisterAgent(ctx context.Context, agentID string) error {
	return s.store.DeleteAgent(ctx, agentID)
}

// SetAgentStatus updates an agent's availability.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) (*Agent, error) {
	switch status {
	case AgentStatusActive, AgentStatusInactive, AgentStatusMaintenance:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Status = status
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// Subscribe registers interest in RFPs of a task type. Only registered
// agents may subscribe.
func (s *Service) Subscribe(ctx context.Context, agentID, taskType string) error {
	if taskType == "" {
		return fmt.Errorf("%w: task_type is required", ErrValidation)
	}
	return s.store.Subscribe(ctx, agentID, taskType)
}

// Unsubscribe removes a task-type subscription.
func (s *Service) Unsubscribe(ctx context.Context, agentID, taskType string) error {
	return s.store.Unsubscribe(ctx, agentID, taskType)
}

// Subscriptions lists an agent's subscribed task types.
func (s *Service) Subscriptions(ctx context.Context, agentID string) ([]string, error) {
	return s.store.Subscriptions(ctx, agentID)
}

// Reputation returns the rating summary for an agent.
func (s *Service) Reputation(agentID string) reputation.Score {
	return s.reputation.Get(agentID)
}

// RehydrateReputation rebuilds the reputation tracker from persisted
// ratings. Called once at startup, before the service takes traffic; on a
// fresh in-memory store it is a no-op.
func (s *Service) RehydrateReputation(ctx context.Context) error {
	aggs, err := s.store.ListRatingAggregates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rating aggregates: %w", err)
	}

	for _, agg := range aggs {
		s.reputation.Seed(agg.AgentID, agg.Mean, agg.Count, agg.Histogram)
	}

	if len(aggs) > 0 {
		s.logger.Info("reputation rehydrated", "agents", len(aggs))
	}
	return nil
}

// Ratings lists recent ratings received by an agent.
func (s *Service) Ratings(ctx context.Context, agentID string, limit int) ([]*Rating, error) {
	return s.store.ListRatings(ctx, agentID, limit)
}

// -----------------------------------------------------------------------------
// RFPs
// -----------------------------------------------------------------------------

// CreateRFP broadcasts a new RFP. Status starts at open.
func (s *Service) CreateRFP(ctx context.Context, req CreateRFPRequest) (*RFP, error) {
	budget, err := wallet.ParseUSDC(req.MaxBudgetUSDC)
	if err != nil || budget.Sign() <= 0 {
		return nil, fmt.Errorf("%w: max_budget_usdc must be a positive decimal", ErrValidation)
	}
	if req.RequiredDeliveryTimeMS < 0 {
		return nil, fmt.Errorf("%w: required_delivery_time_ms must be positive", ErrValidation)
	}
	if _, err := s.store.GetAgent(ctx, req.RequesterAgentID); err != nil {
		return nil, ErrAgentNotRegistered
	}

	now := time.Now()
	ttl := DefaultRFPTTL
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}

	rfp := &RFP{
		RFPID:                  idgen.WithPrefix("rfp_"),
		RequesterAgentID:       req.RequesterAgentID,
		TaskType:               req.TaskType,
		Description:            req.Description,
		Requirements:           req.Requirements,
		MaxBudgetUSDC:          req.MaxBudgetUSDC,
		RequiredDeliveryTimeMS: req.RequiredDeliveryTimeMS,
		Status:                 RFPStatusOpen,
		CreatedAt:              now,
		ExpiresAt:              now.Add(ttl),
	}
	if req.BiddingWindowSeconds > 0 {
		deadline := now.Add(time.Duration(req.BiddingWindowSeconds) * time.Second)
		if deadline.After(rfp.ExpiresAt) {
			rfp.ExpiresAt = deadline.Add(ttl)
		}
		rfp.BiddingDeadline = &deadline
	}

	if err := s.store.CreateRFP(ctx, rfp); err != nil {
		return nil, err
	}

	metrics.RFPsCreatedTotal.Inc()
	s.logger.Info("rfp created",
		"rfp_id", rfp.RFPID,
		"task_type", rfp.TaskType,
		"requester", rfp.RequesterAgentID,
		"max_budget_usdc", rfp.MaxBudgetUSDC,
	)
	s.publish("rfp.created", rfp)
	return rfp, nil
}

// GetRFP returns an RFP by ID.
func (s *Service) GetRFP(ctx context.Context, rfpID string) (*RFP, error) {
	return s.store.GetRFP(ctx, rfpID)
}

// ListOpenRFPs returns open, unexpired RFPs matching any of the task types
// (all open RFPs when taskTypes is empty).
func (s *Service) ListOpenRFPs(ctx context.Context, taskTypes []string) ([]*RFP, error) {
	return s.store.ListOpenRFPs(ctx, taskTypes, time.Now())
}

// CancelRFP cancels an open RFP. Only the requester may cancel.
func (s *Service) CancelRFP(ctx context.Context, rfpID string, req CancelRFPRequest) (*RFP, error) {
	unlock := s.locks.Lock(rfpID)
	defer unlock()

	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil {
		return nil, err
	}
	if rfp.RequesterAgentID != req.RequesterAgentID {
		return nil, ErrUnauthorized
	}
	if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
		return nil, ErrRFPNotOpen
	}

	rfp.Status = RFPStatusCancelled
	if err := s.store.UpdateRFP(ctx, rfp); err != nil {
		return nil, err
	}

	s.logger.Info("rfp cancelled", "rfp_id", rfpID, "reason", req.Reason)
	s.publish("rfp.cancelled", rfp)
	return rfp, nil
}

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// SubmitBid places a bid on an open RFP. A second bid by the same bidder
// replaces the first. Rejections: RFP not open, deadline passed, price over
// budget, bidder unregistered, self-bid.
func (s *Service) SubmitBid(ctx context.Context, rfpID string, req SubmitBidRequest) (*Bid, error) {
	unlock := s.locks.Lock(rfpID)
	defer unlock()

	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if rfp.Status != RFPStatusOpen || now.After(rfp.ExpiresAt) {
		metrics.BidsRejectedTotal.WithLabelValues("rfp_not_open").Inc()
		return nil, ErrRFPNotOpen
	}
	if rfp.BiddingDeadline != nil && now.After(*rfp.BiddingDeadline) {
		metrics.BidsRejectedTotal.WithLabelValues("deadline_past").Inc()
		return nil, ErrBidDeadlinePast
	}
	if req.BidderAgentID == rfp.RequesterAgentID {
		metrics.BidsRejectedTotal.WithLabelValues("self_bid").Inc()
		return nil, ErrSelfBid
	}
	if _, err := s.store.GetAgent(ctx, req.BidderAgentID); err != nil {
		metrics.BidsRejectedTotal.WithLabelValues("unregistered").Inc()
		return nil, ErrAgentNotRegistered
	}

	price, err := wallet.ParseUSDC(req.BidPriceUSDC)
	if err != nil || price.Sign() <= 0 {
		metrics.BidsRejectedTotal.WithLabelValues("invalid_price").Inc()
		return nil, fmt.Errorf("%w: bid_price_usdc must be a positive decimal", ErrValidation)
	}
	budget, err := wallet.ParseUSDC(rfp.MaxBudgetUSDC)
	if err != nil {
		return nil, fmt.Errorf("%w: rfp has unparsable budget", ErrValidation)
	}
	if price.Cmp(budget) > 0 {
		metrics.BidsRejectedTotal.WithLabelValues("over_budget").Inc()
		return nil, ErrBidOverBudget
	}

	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence_score must be in [0,1]", ErrValidation)
	}

	expires := rfp.ExpiresAt
	if rfp.BiddingDeadline != nil {
		expires = *rfp.BiddingDeadline
	}

	bid := &Bid{
		BidID:                 idgen.WithPrefix("bid_"),
		RFPID:                 rfpID,
		BidderAgentID:         req.BidderAgentID,
		BidPriceUSDC:          req.BidPriceUSDC,
		EstimatedCompletionMS: req.EstimatedCompletionMS,
		ConfidenceScore:       req.ConfidenceScore,
		ReputationScore:       s.reputation.Get(req.BidderAgentID).Mean,
		Message:               req.Message,
		ExpiresAt:             expires,
		CreatedAt:             now,
	}

	if err := s.store.UpsertBid(ctx, bid); err != nil {
		return nil, err
	}

	metrics.BidsSubmittedTotal.Inc()
	if f, err := usdcFloat(bid.BidPriceUSDC); err == nil {
		metrics.BidPriceUSDC.Observe(f)
	}
	s.logger.Info("bid submitted",
		"bid_id", bid.BidID,
		"rfp_id", rfpID,
		"bidder", bid.BidderAgentID,
		"price_usdc", bid.BidPriceUSDC,
	)
	s.publish("bid.placed", bid)
	return bid, nil
}

// ListBids returns all bids for an RFP, oldest first.
func (s *Service) ListBids(ctx context.Context, rfpID string) ([]*Bid, error) {
	if _, err := s.store.GetRFP(ctx, rfpID); err != nil {
		return nil, err
	}
	return s.store.ListBids(ctx, rfpID)
}

// -----------------------------------------------------------------------------
// Winner selection and assignments
// -----------------------------------------------------------------------------

// SelectWinner accepts a bid, creates the Assignment and moves the RFP to
// assigned. Only the RFP's requester may select, and only one selection can
// ever succeed, even under concurrent attempts.
func (s *Service) SelectWinner(ctx context.Context, rfpID string, req SelectWinnerRequest) (*Assignment, error) {
	unlock := s.locks.Lock(rfpID)
	defer unlock()

	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil {
		return nil, err
	}
	if rfp.RequesterAgentID != req.SelectorAgentID {
		return nil, ErrUnauthorized
	}
	if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
		if rfp.Status == RFPStatusAssigned {
			return nil, ErrAlreadyAssigned
		}
		return nil, ErrRFPNotOpen
	}
	if _, err := s.store.GetAssignmentByRFP(ctx, rfpID); err == nil {
		return nil, ErrAlreadyAssigned
	}

	bid, err := s.store.GetBid(ctx, req.BidID)
	if err != nil {
		return nil, err
	}
	if bid.RFPID != rfpID {
		return nil, ErrBidNotFound
	}

	now := time.Now()
	assignment := &Assignment{
		AssignmentID:    idgen.WithPrefix("asg_"),
		RFPID:           rfpID,
		WinningBidID:    bid.BidID,
		ProviderAgentID: bid.BidderAgentID,
		ConsumerAgentID: rfp.RequesterAgentID,
		AgreedPriceUSDC: bid.BidPriceUSDC,
		Status:          AssignmentStatusPendingPayment,
		CreatedAt:       now,
	}

	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	rfp.Status = RFPStatusAssigned
	if err := s.store.UpdateRFP(ctx, rfp); err != nil {
		return nil, err
	}

	metrics.RFPsAssignedTotal.Inc()
	metrics.TimeToAssignSeconds.Observe(now.Sub(rfp.CreatedAt).Seconds())
	s.logger.Info("winner selected",
		"rfp_id", rfpID,
		"assignment_id", assignment.AssignmentID,
		"provider", assignment.ProviderAgentID,
		"agreed_price_usdc", assignment.AgreedPriceUSDC,
	)
	s.publish("rfp.awarded", assignment)
	return assignment, nil
}

// GetAssignment returns an assignment by ID.
func (s *Service) GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error) {
	return s.store.GetAssignment(ctx, assignmentID)
}

// RecordDelivery attaches the settlement signature to an assignment, marks
// it delivered and completes the parent RFP. The provider's task counters
// are bumped here: a recorded delivery is a successful task.
func (s *Service) RecordDelivery(ctx context.Context, assignmentID, txSignature string) (*Assignment, error) {
	if txSignature == "" {
		return nil, fmt.Errorf("%w: tx_signature is required", ErrValidation)
	}

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(a.RFPID)
	defer unlock()

	// Re-read under the lock.
	a, err = s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	a.PaymentTxSignature = txSignature
	a.Status = AssignmentStatusDelivered
	a.DeliveredAt = &now
	if err := s.store.UpdateAssignment(ctx, a); err != nil {
		return nil, err
	}

	if rfp, err := s.store.GetRFP(ctx, a.RFPID); err == nil && rfp.Status == RFPStatusAssigned {
		rfp.Status = RFPStatusCompleted
		if err := s.store.UpdateRFP(ctx, rfp); err != nil {
			s.logger.Warn("failed to complete rfp after delivery", "rfp_id", a.RFPID, "error", err)
		}
	}

	if provider, err := s.store.GetAgent(ctx, a.ProviderAgentID); err == nil {
		provider.TotalTasks++
		provider.SuccessfulTasks++
		if err := s.store.UpdateAgent(ctx, provider); err != nil {
			s.logger.Warn("failed to update provider stats", "agent_id", a.ProviderAgentID, "error", err)
		}
	}

	metrics.DeliveriesTotal.WithLabelValues("recorded").Inc()
	s.logger.Info("delivery recorded",
		"assignment_id", assignmentID,
		"tx_signature", txSignature,
	)
	s.publish("delivery.recorded", a)
	return a, nil
}

// -----------------------------------------------------------------------------
// Ratings
// -----------------------------------------------------------------------------

// Rate records a star rating for the provider on an assignment and updates
// the provider's reputation running mean. Only the consumer on the
// assignment may rate, and only once.
func (s *Service) Rate(ctx context.Context, ratedAgentID string, req RateRequest) (*Rating, reputation.Score, error) {
	if req.Stars < 1 || req.Stars > 5 {
		return nil, reputation.Score{}, fmt.Errorf("%w: stars must be in [1,5]", ErrValidation)
	}

	a, err := s.store.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, reputation.Score{}, err
	}
	if a.ConsumerAgentID != req.RaterAgentID {
		return nil, reputation.Score{}, ErrUnauthorized
	}
	if a.ProviderAgentID != ratedAgentID {
		return nil, reputation.Score{}, fmt.Errorf("%w: rated agent is not the provider on this assignment", ErrValidation)
	}

	rating := &Rating{
		RatingID:     idgen.WithPrefix("rtg_"),
		RaterAgentID: req.RaterAgentID,
		RatedAgentID: ratedAgentID,
		AssignmentID: req.AssignmentID,
		Stars:        req.Stars,
		Review:       req.Review,
		CreatedAt:    time.Now(),
	}

	// CreateRating enforces at most one rating per (rater, assignment);
	// the reputation update below only happens for a freshly stored rating.
	if err := s.store.CreateRating(ctx, rating); err != nil {
		return nil, reputation.Score{}, err
	}

	score := s.reputation.Record(ratedAgentID, req.Stars)

	if agent, err := s.store.GetAgent(ctx, ratedAgentID); err == nil {
		agent.Reputation = score.Mean
		if err := s.store.UpdateAgent(ctx, agent); err != nil {
			s.logger.Warn("failed to persist reputation", "agent_id", ratedAgentID, "error", err)
		}
	}

	metrics.RatingsRecordedTotal.Inc()
	s.logger.Info("rating recorded",
		"rated", ratedAgentID,
		"rater", req.RaterAgentID,
		"stars", req.Stars,
		"mean", score.Mean,
	)
	s.publish("rating.recorded", rating)
	return rating, score, nil
}

// -----------------------------------------------------------------------------
// Expiry sweep
// -----------------------------------------------------------------------------

// CheckExpired moves stale RFPs to expired and closes bidding on RFPs past
// their bidding deadline. Each RFP is handled independently so one bad
// entry cannot stall the sweep.
func (s *Service) CheckExpired(ctx context.Context) {
	now := time.Now()

	stale, err := s.store.ListStaleRFPs(ctx, now, 100)
	if err != nil {
		s.logger.Warn("expiry sweep failed to list stale rfps", "error", err)
		return
	}
	for _, rfp := range stale {
		s.expireOne(ctx, rfp.RFPID)
	}

	pastDeadline, err := s.store.ListOpenPastDeadline(ctx, now, 100)
	if err != nil {
		s.logger.Warn("expiry sweep failed to list past-deadline rfps", "error", err)
		return
	}
	for _, rfp := range pastDeadline {
		s.closeBiddingOne(ctx, rfp.RFPID)
	}
}

// closeBiddingOne transitions one open RFP past its deadline to
// bidding_closed. The requester can still select a winner; new bids are
// rejected.
func (s *Service) closeBiddingOne(ctx context.Context, rfpID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic closing bidding", "rfp_id", rfpID, "panic", r)
		}
	}()

	unlock := s.locks.Lock(rfpID)
	defer unlock()

	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil || rfp.Status != RFPStatusOpen {
		return
	}

	rfp.Status = RFPStatusBiddingClosed
	if err := s.store.UpdateRFP(ctx, rfp); err != nil {
		s.logger.Warn("failed to close bidding", "rfp_id", rfpID, "error", err)
		return
	}

	s.logger.Info("bidding closed", "rfp_id", rfpID)
	s.publish("rfp.bidding_closed", rfp)
}

func (s *Service) expireOne(ctx context.Context, rfpID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic expiring rfp", "rfp_id", rfpID, "panic", r)
		}
	}()

	unlock := s.locks.Lock(rfpID)
	defer unlock()

	rfp, err := s.store.GetRFP(ctx, rfpID)
	if err != nil || rfp.IsTerminal() || rfp.Status == RFPStatusAssigned {
		return
	}

	rfp.Status = RFPStatusExpired
	if err := s.store.UpdateRFP(ctx, rfp); err != nil {
		s.logger.Warn("failed to expire rfp", "rfp_id", rfpID, "error", err)
		return
	}

	metrics.RFPsExpiredTotal.Inc()
	s.logger.Info("rfp expired", "rfp_id", rfpID)
	s.publish("rfp.expired", rfp)
}

// Stats returns marketplace totals.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.GetStats(ctx)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func isValidWalletAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return false
	}
	for _, c := range addr[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// usdcFloat parses a USDC decimal string as float64 for scoring and metrics.
// Settlement math always uses minor units; floats are only for ranking.
func usdcFloat(s string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, err
	}
	return f, nil
}
