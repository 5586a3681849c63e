package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists marketplace data in PostgreSQL. Schema lives in
// the goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// agentColumns is the SELECT column list for agents.
const agentColumns = `agent_id, name, agent_type, endpoint_url, wallet_address,
	capabilities, pricing, status, reputation, total_tasks, successful_tasks,
	created_at, updated_at`

// rfpColumns is the SELECT column list for RFPs.
const rfpColumns = `rfp_id, requester_agent_id, task_type, description, requirements,
	max_budget_usdc, required_delivery_time_ms, bidding_deadline, status,
	created_at, expires_at`

// bidColumns is the SELECT column list for bids.
const bidColumns = `bid_id, rfp_id, bidder_agent_id, bid_price_usdc,
	estimated_completion_ms, confidence_score, reputation_score, message,
	expires_at, created_at`

// assignmentColumns is the SELECT column list for assignments.
const assignmentColumns = `assignment_id, rfp_id, winning_bid_id, provider_agent_id,
	consumer_agent_id, agreed_price_usdc, status, payment_tx_signature,
	created_at, delivered_at`

// --- Agents ---

func (p *PostgresStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	if agent.Status == "" {
		agent.Status = AgentStatusActive
	}
	caps, _ := json.Marshal(agent.Capabilities)
	pricing, _ := json.Marshal(agent.Pricing)

	// Insert keeps history on conflict: reputation and task counters are
	// never reset by a re-registration.
	return p.db.QueryRowContext(ctx, `
		INSERT INTO agents (
			agent_id, name, agent_type, endpoint_url, wallet_address,
			capabilities, pricing, status, reputation, total_tasks,
			successful_tasks, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 0, $9, $9)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			agent_type = EXCLUDED.agent_type,
			endpoint_url = EXCLUDED.endpoint_url,
			wallet_address = EXCLUDED.wallet_address,
			capabilities = EXCLUDED.capabilities,
			pricing = EXCLUDED.pricing,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, reputation, total_tasks, successful_tasks`,
		agent.AgentID, agent.Name, string(agent.AgentType), nullStr(agent.EndpointURL),
		agent.WalletAddress, caps, pricing, string(agent.Status), now,
	).Scan(&agent.CreatedAt, &agent.Reputation, &agent.TotalTasks, &agent.SuccessfulTasks)
}

func (p *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)

	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

func (p *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	caps, _ := json.Marshal(agent.Capabilities)
	pricing, _ := json.Marshal(agent.Pricing)

	result, err := p.db.ExecContext(ctx, `
		UPDATE agents SET
			name = $1, agent_type = $2, endpoint_url = $3, wallet_address = $4,
			capabilities = $5, pricing = $6, status = $7, reputation = $8,
			total_tasks = $9, successful_tasks = $10, updated_at = $11
		WHERE agent_id = $12`,
		agent.Name, string(agent.AgentType), nullStr(agent.EndpointURL), agent.WalletAddress,
		caps, pricing, string(agent.Status), agent.Reputation,
		agent.TotalTasks, agent.SuccessfulTasks, time.Now(), agent.AgentID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrAgentNotFound)
}

func (p *PostgresStore) ListAgents(ctx context.Context, query AgentQuery) ([]*Agent, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE ($1 = '' OR agent_type = $1)
		  AND ($2 = '' OR capabilities @> to_jsonb(ARRAY[$2::text]))
		  AND (NOT $3 OR status = 'active')
		ORDER BY reputation DESC, created_at ASC
		LIMIT $4`,
		string(query.AgentType), query.Capability, query.ActiveOnly, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (p *PostgresStore) DeleteAgent(ctx context.Context, agentID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrAgentNotFound)
}

// --- Subscriptions ---

func (p *PostgresStore) Subscribe(ctx context.Context, agentID, taskType string) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (agent_id, task_type)
		SELECT $1, $2 WHERE EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)
		ON CONFLICT DO NOTHING`,
		agentID, taskType,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Either unregistered or already subscribed; distinguish them.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)`, agentID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAgentNotRegistered
		}
	}
	return nil
}

func (p *PostgresStore) Unsubscribe(ctx context.Context, agentID, taskType string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)`, agentID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAgentNotRegistered
	}

	_, err := p.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE agent_id = $1 AND task_type = $2`,
		agentID, taskType)
	return err
}

func (p *PostgresStore) Subscriptions(ctx context.Context, agentID string) ([]string, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)`, agentID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrAgentNotRegistered
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT task_type FROM subscriptions WHERE agent_id = $1 ORDER BY task_type`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// --- RFPs ---

func (p *PostgresStore) CreateRFP(ctx context.Context, rfp *RFP) error {
	reqs, _ := json.Marshal(rfp.Requirements)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rfps (
			rfp_id, requester_agent_id, task_type, description, requirements,
			max_budget_usdc, required_delivery_time_ms, bidding_deadline,
			status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10, $11)`,
		rfp.RFPID, rfp.RequesterAgentID, rfp.TaskType, nullStr(rfp.Description), reqs,
		rfp.MaxBudgetUSDC, rfp.RequiredDeliveryTimeMS, nullTime(rfp.BiddingDeadline),
		string(rfp.Status), rfp.CreatedAt, rfp.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) GetRFP(ctx context.Context, rfpID string) (*RFP, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rfpColumns+` FROM rfps WHERE rfp_id = $1`, rfpID)

	rfp, err := scanRFP(row)
	if err == sql.ErrNoRows {
		return nil, ErrRFPNotFound
	}
	return rfp, err
}

func (p *PostgresStore) UpdateRFP(ctx context.Context, rfp *RFP) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE rfps SET status = $1, expires_at = $2, bidding_deadline = $3
		WHERE rfp_id = $4`,
		string(rfp.Status), rfp.ExpiresAt, nullTime(rfp.BiddingDeadline), rfp.RFPID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrRFPNotFound)
}

func (p *PostgresStore) ListOpenRFPs(ctx context.Context, taskTypes []string, now time.Time) ([]*RFP, error) {
	if taskTypes == nil {
		taskTypes = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rfpColumns+` FROM rfps
		WHERE status = 'open'
		  AND expires_at > $1
		  AND (cardinality($2::text[]) = 0 OR task_type = ANY($2))
		ORDER BY created_at ASC`,
		now, pq.Array(taskTypes),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rfps []*RFP
	for rows.Next() {
		rfp, err := scanRFP(rows)
		if err != nil {
			return nil, err
		}
		rfps = append(rfps, rfp)
	}
	return rfps, rows.Err()
}

func (p *PostgresStore) ListStaleRFPs(ctx context.Context, before time.Time, limit int) ([]*RFP, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rfpColumns+` FROM rfps
		WHERE status IN ('open', 'bidding_closed') AND expires_at < $1
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rfps []*RFP
	for rows.Next() {
		rfp, err := scanRFP(rows)
		if err != nil {
			return nil, err
		}
		rfps = append(rfps, rfp)
	}
	return rfps, rows.Err()
}

func (p *PostgresStore) ListOpenPastDeadline(ctx context.Context, before time.Time, limit int) ([]*RFP, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rfpColumns+` FROM rfps
		WHERE status = 'open'
		  AND bidding_deadline IS NOT NULL
		  AND bidding_deadline < $1
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rfps []*RFP
	for rows.Next() {
		rfp, err := scanRFP(rows)
		if err != nil {
			return nil, err
		}
		rfps = append(rfps, rfp)
	}
	return rfps, rows.Err()
}

// --- Bids ---

func (p *PostgresStore) UpsertBid(ctx context.Context, bid *Bid) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Replace semantics on (rfp, bidder).
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bids WHERE rfp_id = $1 AND bidder_agent_id = $2`,
		bid.RFPID, bid.BidderAgentID,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bids (
			bid_id, rfp_id, bidder_agent_id, bid_price_usdc,
			estimated_completion_ms, confidence_score, reputation_score,
			message, expires_at, created_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)`,
		bid.BidID, bid.RFPID, bid.BidderAgentID, bid.BidPriceUSDC,
		bid.EstimatedCompletionMS, bid.ConfidenceScore, bid.ReputationScore,
		nullStr(bid.Message), bid.ExpiresAt, bid.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) GetBid(ctx context.Context, bidID string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE bid_id = $1`, bidID)

	bid, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	return bid, err
}

func (p *PostgresStore) GetBidByBidder(ctx context.Context, rfpID, bidderAgentID string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE rfp_id = $1 AND bidder_agent_id = $2`,
		rfpID, bidderAgentID)

	bid, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrBidNotFound
	}
	return bid, err
}

func (p *PostgresStore) ListBids(ctx context.Context, rfpID string) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE rfp_id = $1 ORDER BY created_at ASC`,
		rfpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, rows.Err()
}

// --- Assignments ---

func (p *PostgresStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	// The unique index on rfp_id enforces at most one assignment per RFP.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assignments (
			assignment_id, rfp_id, winning_bid_id, provider_agent_id,
			consumer_agent_id, agreed_price_usdc, status, payment_tx_signature,
			created_at, delivered_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10)`,
		a.AssignmentID, a.RFPID, a.WinningBidID, a.ProviderAgentID,
		a.ConsumerAgentID, a.AgreedPriceUSDC, string(a.Status),
		nullStr(a.PaymentTxSignature), a.CreatedAt, nullTime(a.DeliveredAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyAssigned
	}
	return err
}

func (p *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = $1`,
		assignmentID)

	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (p *PostgresStore) GetAssignmentByRFP(ctx context.Context, rfpID string) (*Assignment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE rfp_id = $1`, rfpID)

	a, err := scanAssignment(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (p *PostgresStore) UpdateAssignment(ctx context.Context, a *Assignment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE assignments SET
			status = $1, payment_tx_signature = $2, delivered_at = $3
		WHERE assignment_id = $4`,
		string(a.Status), nullStr(a.PaymentTxSignature), nullTime(a.DeliveredAt),
		a.AssignmentID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrAssignmentNotFound)
}

// --- Ratings ---

func (p *PostgresStore) CreateRating(ctx context.Context, r *Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (
			rating_id, rater_agent_id, rated_agent_id, assignment_id,
			stars, review, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.RatingID, r.RaterAgentID, r.RatedAgentID, r.AssignmentID,
		r.Stars, nullStr(r.Review), r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRating
	}
	return err
}

func (p *PostgresStore) HasRating(ctx context.Context, raterAgentID, assignmentID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ratings WHERE rater_agent_id = $1 AND assignment_id = $2
		)`, raterAgentID, assignmentID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListRatings(ctx context.Context, ratedAgentID string, limit int) ([]*Rating, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT rating_id, rater_agent_id, rated_agent_id, assignment_id,
		       stars, COALESCE(review, ''), created_at
		FROM ratings WHERE rated_agent_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		ratedAgentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ratings []*Rating
	for rows.Next() {
		r := &Rating{}
		if err := rows.Scan(&r.RatingID, &r.RaterAgentID, &r.RatedAgentID,
			&r.AssignmentID, &r.Stars, &r.Review, &r.CreatedAt); err != nil {
			return nil, err
		}
		ratings = append(ratings, r)
	}
	return ratings, rows.Err()
}

func (p *PostgresStore) ListRatingAggregates(ctx context.Context) ([]*RatingAggregate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT rated_agent_id,
		       AVG(stars)::float8,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE stars = 1),
		       COUNT(*) FILTER (WHERE stars = 2),
		       COUNT(*) FILTER (WHERE stars = 3),
		       COUNT(*) FILTER (WHERE stars = 4),
		       COUNT(*) FILTER (WHERE stars = 5)
		FROM ratings
		GROUP BY rated_agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []*RatingAggregate
	for rows.Next() {
		agg := &RatingAggregate{}
		if err := rows.Scan(&agg.AgentID, &agg.Mean, &agg.Count,
			&agg.Histogram[0], &agg.Histogram[1], &agg.Histogram[2],
			&agg.Histogram[3], &agg.Histogram[4]); err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// --- Stats ---

func (p *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{UpdatedAt: time.Now()}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM rfps),
			(SELECT COUNT(*) FROM rfps WHERE status = 'open'),
			(SELECT COUNT(*) FROM bids),
			(SELECT COUNT(*) FROM assignments),
			(SELECT COUNT(*) FROM ratings)`,
	).Scan(&stats.TotalAgents, &stats.TotalRFPs, &stats.OpenRFPs,
		&stats.TotalBids, &stats.TotalAssignments, &stats.TotalRatings)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var endpoint sql.NullString
	var caps, pricing []byte
	var agentType, status string

	err := row.Scan(&agent.AgentID, &agent.Name, &agentType, &endpoint,
		&agent.WalletAddress, &caps, &pricing, &status, &agent.Reputation,
		&agent.TotalTasks, &agent.SuccessfulTasks, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}

	agent.AgentType = AgentType(agentType)
	agent.Status = AgentStatus(status)
	agent.EndpointURL = endpoint.String
	_ = json.Unmarshal(caps, &agent.Capabilities)
	_ = json.Unmarshal(pricing, &agent.Pricing)
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	return agent, nil
}

func scanRFP(row rowScanner) (*RFP, error) {
	rfp := &RFP{}
	var description sql.NullString
	var deadline sql.NullTime
	var reqs []byte
	var status string

	err := row.Scan(&rfp.RFPID, &rfp.RequesterAgentID, &rfp.TaskType, &description,
		&reqs, &rfp.MaxBudgetUSDC, &rfp.RequiredDeliveryTimeMS, &deadline,
		&status, &rfp.CreatedAt, &rfp.ExpiresAt)
	if err != nil {
		return nil, err
	}

	rfp.Description = description.String
	rfp.Status = RFPStatus(status)
	if deadline.Valid {
		rfp.BiddingDeadline = &deadline.Time
	}
	_ = json.Unmarshal(reqs, &rfp.Requirements)
	return rfp, nil
}

func scanBid(row rowScanner) (*Bid, error) {
	bid := &Bid{}
	var message sql.NullString

	err := row.Scan(&bid.BidID, &bid.RFPID, &bid.BidderAgentID, &bid.BidPriceUSDC,
		&bid.EstimatedCompletionMS, &bid.ConfidenceScore, &bid.ReputationScore,
		&message, &bid.ExpiresAt, &bid.CreatedAt)
	if err != nil {
		return nil, err
	}

	bid.Message = message.String
	return bid, nil
}

func scanAssignment(row rowScanner) (*Assignment, error) {
	a := &Assignment{}
	var sig sql.NullString
	var delivered sql.NullTime
	var status string

	err := row.Scan(&a.AssignmentID, &a.RFPID, &a.WinningBidID, &a.ProviderAgentID,
		&a.ConsumerAgentID, &a.AgreedPriceUSDC, &status, &sig,
		&a.CreatedAt, &delivered)
	if err != nil {
		return nil, err
	}

	a.Status = AssignmentStatus(status)
	a.PaymentTxSignature = sig.String
	if delivered.Valid {
		a.DeliveredAt = &delivered.Time
	}
	return a, nil
}

// --- SQL helpers ---

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireRow(result sql.Result, missing error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
