// Package wallet handles USDC token operations on the payment ledger:
// key loading, minor-unit math, allowance management for the facilitator,
// and on-chain verification of settled payments.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrRPCUnavailable    = errors.New("wallet: ledger RPC unavailable")
	ErrTxNotFound        = errors.New("wallet: transaction not found")
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// USDCDecimals is the decimal precision of USDC
	USDCDecimals = 6

	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// transferTopic is the keccak hash of the ERC-20 Transfer event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthClient is the subset of the ledger RPC client the wallet needs.
// Satisfied by *ethclient.Client; faked in tests.
type EthClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for creating a new wallet
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, with or without 0x prefix
	ChainID       int64
	TokenContract string
}

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets a custom ledger client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// Wallet holds a signing key and a ledger client scoped to one token contract.
type Wallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI
}

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidPrivateKey)
	}
	if cfg.TokenContract == "" {
		return nil, errors.New("wallet: token contract is required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPrivateKey
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to parse token ABI: %w", err)
	}

	w := &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
		w.client = client
	}

	return w, nil
}

// Address returns the wallet's hex address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// ChainID returns the configured ledger chain ID.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// Token returns the token contract address.
func (w *Wallet) Token() common.Address {
	return w.token
}

// Client exposes the underlying ledger client.
func (w *Wallet) Client() EthClient {
	return w.client
}

// BalanceOf returns the token balance of any address in minor units.
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := w.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to pack balanceOf call: %w", err)
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	return new(big.Int).SetBytes(result), nil
}

// AllowanceOf returns the token allowance owner has granted spender.
func (w *Wallet) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := w.tokenABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to pack allowance call: %w", err)
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Approve grants spender an allowance over this wallet's tokens.
// Consumers call this once at onboarding to authorize the facilitator.
func (w *Wallet) Approve(ctx context.Context, spender common.Address, amount *big.Int) (string, error) {
	data, err := w.tokenABI.Pack("approve", spender, amount)
	if err != nil {
		return "", fmt.Errorf("wallet: failed to pack approve call: %w", err)
	}

	signedTx, err := w.signCall(ctx, data)
	if err != nil {
		return "", err
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	return signedTx.Hash().Hex(), nil
}

// SignAndSend signs an unsigned transaction with this wallet's key (the
// facilitator path: fee payer) and broadcasts it. Nonce and gas fields of
// tx are replaced with fresh values for this signer.
func (w *Wallet) SignAndSend(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	tipCap, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	feeCap, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	gasLimit := tx.Gas()
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	fresh := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        tx.To(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	})

	signedTx, err := types.SignTx(fresh, types.LatestSignerForChainID(w.chainID), w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to sign transaction: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	return signedTx, nil
}

// signCall builds, signs and returns a transaction from this wallet calling
// the token contract with the given calldata.
func (w *Wallet) signCall(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	tipCap, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	feeCap, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.address,
		To:   &w.token,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &w.token,
		Data:      data,
	})

	return types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.privateKey)
}

// WaitForReceipt polls for a transaction receipt until it appears or the
// timeout elapses.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash.Hex())
		case <-ticker.C:
		}
	}
}

// Close closes the client connection
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// On-chain payment verification
// -----------------------------------------------------------------------------

// Verifier checks settled payments against the ledger. It needs no signing
// key; providers use it to validate payment proofs before delivering.
type Verifier struct {
	client EthClient
	token  common.Address
}

// NewVerifier creates a verifier bound to one token contract.
func NewVerifier(client EthClient, tokenContract string) *Verifier {
	return &Verifier{
		client: client,
		token:  common.HexToAddress(tokenContract),
	}
}

// DialVerifier connects a verifier to the ledger RPC.
func DialVerifier(rpcURL, tokenContract string) (*Verifier, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	return NewVerifier(client, tokenContract), nil
}

// VerifyTransfer confirms that txHash is a finalized transaction containing a
// token Transfer of at least minAmount minor units to recipient.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash string, recipient string, minAmount *big.Int) (bool, error) {
	if minAmount == nil || minAmount.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTxNotFound, err)
	}

	if receipt.Status == 0 {
		return false, nil
	}

	to := common.HexToAddress(recipient)
	for _, log := range receipt.Logs {
		if log.Address != v.token {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferTopic {
			continue
		}

		eventTo := common.HexToAddress(log.Topics[2].Hex())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventTo == to && eventAmount.Cmp(minAmount) >= 0 {
			return true, nil
		}
	}

	return false, nil
}

// -----------------------------------------------------------------------------
// USDC amount helpers
// -----------------------------------------------------------------------------

// FormatUSDC converts a minor-unit amount to a human-readable string
func FormatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	return fmt.Sprintf("%s.%06d", whole.String(), remainder.Int64())
}

// ParseUSDC converts a human-readable USDC string to minor units
func ParseUSDC(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	if wholeBig.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amounts not allowed", ErrInvalidAmount)
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(USDCDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		if len(decimal) > USDCDecimals {
			decimal = decimal[:USDCDecimals]
		}
		for len(decimal) < USDCDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}
