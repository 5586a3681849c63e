package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testToken = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// fakeClient implements EthClient for verification tests.
type fakeClient struct {
	receipt *types.Receipt
	err     error
}

func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(500).Bytes(), 32), nil
}
func (f *fakeClient) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}
func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 65000, nil
}
func (f *fakeClient) SendTransaction(context.Context, *types.Transaction) error {
	return nil
}
func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}
func (f *fakeClient) Close() {}

func transferReceipt(token, to string, amount int64, status uint64) *types.Receipt {
	return &types.Receipt{
		Status: status,
		Logs: []*types.Log{
			{
				Address: common.HexToAddress(token),
				Topics: []common.Hash{
					transferTopic,
					common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
					common.BytesToHash(common.HexToAddress(to).Bytes()),
				},
				Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
			},
		},
	}
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New(Config{PrivateKey: "zz", TokenContract: testToken}, WithClient(&fakeClient{}))
	assert.True(t, errors.Is(err, ErrInvalidPrivateKey))
}

func TestNew_DerivesAddress(t *testing.T) {
	w, err := New(Config{
		PrivateKey:    testKey,
		ChainID:       84532,
		TokenContract: testToken,
	}, WithClient(&fakeClient{}))
	require.NoError(t, err)

	// Well-known address for the well-known test key.
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", w.Address())
}

func TestVerifier_VerifyTransfer(t *testing.T) {
	recipient := "0x9999999999999999999999999999999999999999"

	cases := []struct {
		name    string
		receipt *types.Receipt
		min     int64
		want    bool
	}{
		{"exact amount", transferReceipt(testToken, recipient, 100, 1), 100, true},
		{"over payment", transferReceipt(testToken, recipient, 150, 1), 100, true},
		{"under payment", transferReceipt(testToken, recipient, 50, 1), 100, false},
		{"reverted tx", transferReceipt(testToken, recipient, 100, 0), 100, false},
		{"wrong recipient", transferReceipt(testToken, "0x8888888888888888888888888888888888888888", 100, 1), 100, false},
		{"wrong token", transferReceipt("0x4444444444444444444444444444444444444444", recipient, 100, 1), 100, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewVerifier(&fakeClient{receipt: tc.receipt}, testToken)
			ok, err := v.VerifyTransfer(context.Background(), "0xhash", recipient, big.NewInt(tc.min))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestVerifier_TxNotFound(t *testing.T) {
	v := NewVerifier(&fakeClient{err: errors.New("not found")}, testToken)
	_, err := v.VerifyTransfer(context.Background(), "0xhash",
		"0x9999999999999999999999999999999999999999", big.NewInt(100))
	assert.True(t, errors.Is(err, ErrTxNotFound))
}

func TestParseUSDC(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1_000_000, false},
		{"0.0001", 100, false},
		{"0.00012", 120, false},
		{"1.5", 1_500_000, false},
		{"0.1234567", 123456, false}, // truncates past 6 decimals
		{"", 0, true},
		{"-1", 0, true},
		{"a.b", 0, true},
		{"1.2.3", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseUSDC(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got.Int64(), "input %q", tc.in)
	}
}

func TestFormatUSDC(t *testing.T) {
	assert.Equal(t, "0", FormatUSDC(nil))
	assert.Equal(t, "1", FormatUSDC(big.NewInt(1_000_000)))
	assert.Equal(t, "0.000100", FormatUSDC(big.NewInt(100)))
	assert.Equal(t, "1.500000", FormatUSDC(big.NewInt(1_500_000)))
}

func TestParseFormatRoundtrip(t *testing.T) {
	for _, amount := range []string{"0.0001", "1", "123.456789"} {
		minor, err := ParseUSDC(amount)
		require.NoError(t, err)
		reparsed, err := ParseUSDC(FormatUSDC(minor))
		require.NoError(t, err)
		assert.Equal(t, minor.Int64(), reparsed.Int64(), "amount %q", amount)
	}
}
