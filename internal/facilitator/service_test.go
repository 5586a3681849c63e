package facilitator

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thisissamridh/mesh/internal/txbuilder"
	"github.com/thisissamridh/mesh/internal/wallet"
)

const (
	testKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	payer     = "0x1111111111111111111111111111111111111111"
	recipient = "0x2222222222222222222222222222222222222222"
)

// fakeLedger satisfies wallet.EthClient with a scripted receipt.
type fakeLedger struct {
	allowance     *big.Int
	receiptStatus uint64
	sendErr       error
	sent          []*types.Transaction
}

func (f *fakeLedger) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	allowance := f.allowance
	if allowance == nil {
		allowance = big.NewInt(1_000_000)
	}
	return common.LeftPadBytes(allowance.Bytes(), 32), nil
}
func (f *fakeLedger) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeLedger) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 3, nil
}
func (f *fakeLedger) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (f *fakeLedger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeLedger) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}
func (f *fakeLedger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeLedger) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: f.receiptStatus}, nil
}
func (f *fakeLedger) Close() {}

func newTestService(t *testing.T, ledger *fakeLedger) *Service {
	t.Helper()
	w, err := wallet.New(wallet.Config{
		PrivateKey:    testKey,
		ChainID:       84532,
		TokenContract: testToken,
	}, wallet.WithClient(ledger))
	require.NoError(t, err)
	return NewService(w, "base-sepolia", slog.Default())
}

func buildPayment(t *testing.T, ledger *fakeLedger, amount int64) string {
	t.Helper()
	builder, err := txbuilder.New(ledger, testToken, 84532)
	require.NoError(t, err)
	payment, err := builder.BuildTransfer(context.Background(), payer, recipient, big.NewInt(amount))
	require.NoError(t, err)
	return payment
}

func TestSupported(t *testing.T) {
	svc := newTestService(t, &fakeLedger{receiptStatus: 1})
	sup := svc.Supported()

	assert.Equal(t, "exact", sup.Scheme)
	assert.Equal(t, "base-sepolia", sup.Network)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", sup.FeePayer)
	assert.Equal(t, []string{common.HexToAddress(testToken).Hex()}, sup.SupportedTokens)
}

func TestVerify_ValidPayment(t *testing.T) {
	ledger := &fakeLedger{receiptStatus: 1}
	svc := newTestService(t, ledger)
	payment := buildPayment(t, ledger, 100)

	resp := svc.Verify(context.Background(), payment)
	assert.True(t, resp.IsValid, resp.Message)
}

func TestVerify_Garbage(t *testing.T) {
	svc := newTestService(t, &fakeLedger{receiptStatus: 1})
	resp := svc.Verify(context.Background(), "bm90LWEtdHg=")
	assert.False(t, resp.IsValid)
}

func TestVerify_InsufficientAllowance(t *testing.T) {
	ledger := &fakeLedger{receiptStatus: 1, allowance: big.NewInt(10)}
	svc := newTestService(t, ledger)

	// Build with a generous balance reading, then verify against the tiny
	// allowance.
	builderLedger := &fakeLedger{receiptStatus: 1}
	payment := buildPayment(t, builderLedger, 100)

	resp := svc.Verify(context.Background(), payment)
	assert.False(t, resp.IsValid)
	assert.Contains(t, resp.Message, "allowance")
}

func TestSettle_Success(t *testing.T) {
	ledger := &fakeLedger{receiptStatus: 1}
	svc := newTestService(t, ledger)
	payment := buildPayment(t, ledger, 100)

	resp := svc.Settle(context.Background(), payment)
	require.True(t, resp.Success, resp.Error)
	assert.NotEmpty(t, resp.TransactionSignature)
	assert.Equal(t, "base-sepolia", resp.Network)
	require.Len(t, ledger.sent, 1)

	// The broadcast transaction carries the original transfer calldata but
	// the facilitator's own nonce.
	sent := ledger.sent[0]
	assert.Equal(t, uint64(3), sent.Nonce())
	assert.Equal(t, common.HexToAddress(testToken), *sent.To())
}

func TestSettle_Reverted(t *testing.T) {
	ledger := &fakeLedger{receiptStatus: 0}
	svc := newTestService(t, ledger)
	payment := buildPayment(t, ledger, 100)

	resp := svc.Settle(context.Background(), payment)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "reverted")
}

func TestSettle_BroadcastFailure(t *testing.T) {
	ledger := &fakeLedger{receiptStatus: 1, sendErr: assert.AnError}
	svc := newTestService(t, ledger)
	payment := buildPayment(t, ledger, 100)

	resp := svc.Settle(context.Background(), payment)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}
