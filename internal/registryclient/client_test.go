package registryclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisissamridh/mesh/internal/market"
)

func newTestRegistry(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := market.NewService(market.NewMemoryStore(), slog.Default())
	r := gin.New()
	market.NewHandler(svc).RegisterRoutes(r.Group("/"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func registerAgent(t *testing.T, c *Client, id string, agentType market.AgentType) *market.Agent {
	t.Helper()
	agent, err := c.Register(context.Background(), market.RegisterAgentRequest{
		AgentID:       id,
		Name:          "Agent " + id,
		AgentType:     agentType,
		EndpointURL:   "http://localhost:5001",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Capabilities:  []string{"price_data"},
	})
	require.NoError(t, err)
	return agent
}

func TestClient_FullFlow(t *testing.T) {
	c := newTestRegistry(t)
	ctx := context.Background()

	registerAgent(t, c, "consumer_001", market.AgentTypeConsumer)
	registerAgent(t, c, "provider_001", market.AgentTypeDataProvider)

	require.NoError(t, c.Subscribe(ctx, "provider_001", "price_data"))

	rfp, err := c.CreateRFP(ctx, market.CreateRFPRequest{
		RequesterAgentID:     "consumer_001",
		TaskType:             "price_data",
		MaxBudgetUSDC:        "0.001",
		BiddingWindowSeconds: 30,
	})
	require.NoError(t, err)

	open, err := c.ListOpenRFPs(ctx, []string{"price_data"})
	require.NoError(t, err)
	require.Len(t, open, 1)

	bid, err := c.SubmitBid(ctx, rfp.RFPID, market.SubmitBidRequest{
		BidderAgentID: "provider_001",
		BidPriceUSDC:  "0.0005",
	})
	require.NoError(t, err)

	bids, err := c.ListBids(ctx, rfp.RFPID)
	require.NoError(t, err)
	require.Len(t, bids, 1)

	assignment, err := c.SelectWinner(ctx, rfp.RFPID, market.SelectWinnerRequest{
		BidID:           bid.BidID,
		SelectorAgentID: "consumer_001",
	})
	require.NoError(t, err)
	assert.Equal(t, "provider_001", assignment.ProviderAgentID)

	// Second select maps to ErrConflict.
	_, err = c.SelectWinner(ctx, rfp.RFPID, market.SelectWinnerRequest{
		BidID:           bid.BidID,
		SelectorAgentID: "consumer_001",
	})
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	require.NoError(t, c.RecordDelivery(ctx, assignment.AssignmentID, "0xsig"))
	require.NoError(t, c.Rate(ctx, "provider_001", market.RateRequest{
		RaterAgentID: "consumer_001",
		AssignmentID: assignment.AssignmentID,
		Stars:        4,
	}))

	score, err := c.Reputation(ctx, "provider_001")
	require.NoError(t, err)
	assert.Equal(t, 4.0, score.Mean)
	assert.Equal(t, 1, score.Count)
}

func TestClient_NotFound(t *testing.T) {
	c := newTestRegistry(t)
	_, err := c.GetAgent(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestClient_Unavailable(t *testing.T) {
	c := New("http://127.0.0.1:1")
	_, err := c.ListOpenRFPs(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestClient_Rejected(t *testing.T) {
	c := newTestRegistry(t)
	registerAgent(t, c, "consumer_001", market.AgentTypeConsumer)
	registerAgent(t, c, "provider_001", market.AgentTypeDataProvider)

	rfp, err := c.CreateRFP(context.Background(), market.CreateRFPRequest{
		RequesterAgentID: "consumer_001",
		TaskType:         "price_data",
		MaxBudgetUSDC:    "0.0001",
	})
	require.NoError(t, err)

	_, err = c.SubmitBid(context.Background(), rfp.RFPID, market.SubmitBidRequest{
		BidderAgentID: "provider_001",
		BidPriceUSDC:  "0.001", // over budget
	})
	assert.True(t, errors.Is(err, ErrRejected), "got %v", err)
}
