package market

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory marketplace store. It is the
// authoritative state for a single registry process; persistence is
// optional (see PostgresStore).
type MemoryStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	subscriptions map[string]map[string]bool // agent_id -> task_type set
	rfps          map[string]*RFP
	bids          map[string]*Bid            // bid_id -> bid
	bidsByRFP     map[string]map[string]bool // rfp_id -> bid_id set
	assignments   map[string]*Assignment     // assignment_id -> assignment
	byRFP         map[string]string          // rfp_id -> assignment_id
	ratings       []*Rating
	ratingKeys    map[string]bool // rater|assignment -> seen
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*Agent),
		subscriptions: make(map[string]map[string]bool),
		rfps:          make(map[string]*RFP),
		bids:          make(map[string]*Bid),
		bidsByRFP:     make(map[string]map[string]bool),
		assignments:   make(map[string]*Assignment),
		byRFP:         make(map[string]string),
		ratingKeys:    make(map[string]bool),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// --- Agents ---

func (m *MemoryStore) UpsertAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.agents[agent.AgentID]; ok {
		// Re-registration updates the record but keeps history.
		agent.CreatedAt = existing.CreatedAt
		agent.Reputation = existing.Reputation
		agent.TotalTasks = existing.TotalTasks
		agent.SuccessfulTasks = existing.SuccessfulTasks
	} else {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}

	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.AgentID]; !ok {
		return ErrAgentNotFound
	}
	agent.UpdatedAt = time.Now()
	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, query AgentQuery) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	var results []*Agent
	for _, agent := range m.agents {
		if query.AgentType != "" && agent.AgentType != query.AgentType {
			continue
		}
		if query.Capability != "" && !agent.HasCapability(query.Capability) {
			continue
		}
		if query.ActiveOnly && agent.Status != AgentStatusActive {
			continue
		}
		cp := *agent
		results = append(results, &cp)
	}

	// Most reputable first, then oldest registration.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Reputation != results[j].Reputation {
			return results[i].Reputation > results[j].Reputation
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(m.agents, agentID)
	delete(m.subscriptions, agentID)
	return nil
}

// --- Subscriptions ---

func (m *MemoryStore) Subscribe(_ context.Context, agentID, taskType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return ErrAgentNotRegistered
	}
	if m.subscriptions[agentID] == nil {
		m.subscriptions[agentID] = make(map[string]bool)
	}
	m.subscriptions[agentID][taskType] = true
	return nil
}

func (m *MemoryStore) Unsubscribe(_ context.Context, agentID, taskType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; !ok {
		return ErrAgentNotRegistered
	}
	delete(m.subscriptions[agentID], taskType)
	return nil
}

func (m *MemoryStore) Subscriptions(_ context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.agents[agentID]; !ok {
		return nil, ErrAgentNotRegistered
	}
	var types []string
	for t := range m.subscriptions[agentID] {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// --- RFPs ---

func (m *MemoryStore) CreateRFP(_ context.Context, rfp *RFP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rfp
	m.rfps[rfp.RFPID] = &cp
	return nil
}

func (m *MemoryStore) GetRFP(_ context.Context, rfpID string) (*RFP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rfp, ok := m.rfps[rfpID]
	if !ok {
		return nil, ErrRFPNotFound
	}
	cp := *rfp
	return &cp, nil
}

func (m *MemoryStore) UpdateRFP(_ context.Context, rfp *RFP) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rfps[rfp.RFPID]; !ok {
		return ErrRFPNotFound
	}
	cp := *rfp
	m.rfps[rfp.RFPID] = &cp
	return nil
}

func (m *MemoryStore) ListOpenRFPs(_ context.Context, taskTypes []string, now time.Time) ([]*RFP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		wanted[t] = true
	}

	var results []*RFP
	for _, r := range m.rfps {
		if r.Status != RFPStatusOpen {
			continue
		}
		if !r.ExpiresAt.After(now) {
			continue
		}
		if len(wanted) > 0 && !wanted[r.TaskType] {
			continue
		}
		cp := *r
		results = append(results, &cp)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) ListStaleRFPs(_ context.Context, before time.Time, limit int) ([]*RFP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*RFP
	for _, r := range m.rfps {
		if r.Status != RFPStatusOpen && r.Status != RFPStatusBiddingClosed {
			continue
		}
		if r.ExpiresAt.Before(before) {
			cp := *r
			results = append(results, &cp)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (m *MemoryStore) ListOpenPastDeadline(_ context.Context, before time.Time, limit int) ([]*RFP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*RFP
	for _, r := range m.rfps {
		if r.Status != RFPStatusOpen || r.BiddingDeadline == nil {
			continue
		}
		if r.BiddingDeadline.Before(before) {
			cp := *r
			results = append(results, &cp)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// --- Bids ---

func (m *MemoryStore) UpsertBid(_ context.Context, bid *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Replace semantics: drop any prior bid by the same bidder on this RFP.
	for id := range m.bidsByRFP[bid.RFPID] {
		if existing := m.bids[id]; existing != nil && existing.BidderAgentID == bid.BidderAgentID {
			delete(m.bids, id)
			delete(m.bidsByRFP[bid.RFPID], id)
		}
	}

	if m.bidsByRFP[bid.RFPID] == nil {
		m.bidsByRFP[bid.RFPID] = make(map[string]bool)
	}
	cp := *bid
	m.bids[bid.BidID] = &cp
	m.bidsByRFP[bid.RFPID][bid.BidID] = true
	return nil
}

func (m *MemoryStore) GetBid(_ context.Context, bidID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bid, ok := m.bids[bidID]
	if !ok {
		return nil, ErrBidNotFound
	}
	cp := *bid
	return &cp, nil
}

func (m *MemoryStore) GetBidByBidder(_ context.Context, rfpID, bidderAgentID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id := range m.bidsByRFP[rfpID] {
		if b := m.bids[id]; b != nil && b.BidderAgentID == bidderAgentID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrBidNotFound
}

func (m *MemoryStore) ListBids(_ context.Context, rfpID string) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Bid
	for id := range m.bidsByRFP[rfpID] {
		if b := m.bids[id]; b != nil {
			cp := *b
			results = append(results, &cp)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

// --- Assignments ---

func (m *MemoryStore) CreateAssignment(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRFP[a.RFPID]; ok {
		return ErrAlreadyAssigned
	}
	cp := *a
	m.assignments[a.AssignmentID] = &cp
	m.byRFP[a.RFPID] = a.AssignmentID
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, assignmentID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[assignmentID]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAssignmentByRFP(_ context.Context, rfpID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRFP[rfpID]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *m.assignments[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateAssignment(_ context.Context, a *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assignments[a.AssignmentID]; !ok {
		return ErrAssignmentNotFound
	}
	cp := *a
	m.assignments[a.AssignmentID] = &cp
	return nil
}

// --- Ratings ---

func ratingKey(rater, assignment string) string {
	return rater + "|" + assignment
}

func (m *MemoryStore) CreateRating(_ context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ratingKey(r.RaterAgentID, r.AssignmentID)
	if m.ratingKeys[key] {
		return ErrDuplicateRating
	}
	m.ratingKeys[key] = true

	cp := *r
	m.ratings = append(m.ratings, &cp)
	return nil
}

func (m *MemoryStore) HasRating(_ context.Context, raterAgentID, assignmentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.ratingKeys[ratingKey(raterAgentID, assignmentID)], nil
}

func (m *MemoryStore) ListRatings(_ context.Context, ratedAgentID string, limit int) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	var results []*Rating
	for i := len(m.ratings) - 1; i >= 0 && len(results) < limit; i-- {
		if m.ratings[i].RatedAgentID == ratedAgentID {
			cp := *m.ratings[i]
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *MemoryStore) ListRatingAggregates(_ context.Context) ([]*RatingAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byAgent := make(map[string]*RatingAggregate)
	var order []string
	for _, r := range m.ratings {
		agg, ok := byAgent[r.RatedAgentID]
		if !ok {
			agg = &RatingAggregate{AgentID: r.RatedAgentID}
			byAgent[r.RatedAgentID] = agg
			order = append(order, r.RatedAgentID)
		}
		agg.Mean = agg.Mean + (float64(r.Stars)-agg.Mean)/float64(agg.Count+1)
		agg.Count++
		agg.Histogram[r.Stars-1]++
	}

	results := make([]*RatingAggregate, 0, len(order))
	for _, id := range order {
		results = append(results, byAgent[id])
	}
	return results, nil
}

// --- Stats ---

func (m *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open := 0
	for _, r := range m.rfps {
		if r.Status == RFPStatusOpen {
			open++
		}
	}

	return &Stats{
		TotalAgents:      len(m.agents),
		TotalRFPs:        len(m.rfps),
		OpenRFPs:         open,
		TotalBids:        len(m.bids),
		TotalAssignments: len(m.assignments),
		TotalRatings:     len(m.ratings),
		UpdatedAt:        time.Now(),
	}, nil
}
