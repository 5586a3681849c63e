// Package txbuilder constructs unsigned payment transactions for the
// facilitator to sign and broadcast.
//
// The payment is an ERC-20 transferFrom(payer, recipient, amount) call on
// the token contract: the consumer grants the facilitator an allowance at
// onboarding, and the facilitator executes (and gas-pays) the transfer.
// The unsigned transaction is RLP-encoded and base64'd for transport.
package txbuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/thisissamridh/mesh/internal/wallet"
)

var (
	ErrRecipientAccountMissing = errors.New("txbuilder: recipient token account missing")
	ErrInsufficientBalance     = errors.New("txbuilder: payer balance below transfer amount")
	ErrRPCUnavailable          = errors.New("txbuilder: ledger RPC unavailable")
	ErrInvalidTransaction      = errors.New("txbuilder: invalid payment transaction")
)

const transferFromABI = `[
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// transferGasLimit bounds an ERC-20 transferFrom.
const transferGasLimit = uint64(120000)

// Builder assembles unsigned token-transfer transactions.
type Builder struct {
	client  wallet.EthClient
	token   common.Address
	chainID *big.Int
	abi     abi.ABI
}

// New creates a builder bound to one token contract on one chain.
func New(client wallet.EthClient, tokenContract string, chainID int64) (*Builder, error) {
	parsed, err := abi.JSON(strings.NewReader(transferFromABI))
	if err != nil {
		return nil, fmt.Errorf("txbuilder: failed to parse ABI: %w", err)
	}
	return &Builder{
		client:  client,
		token:   common.HexToAddress(tokenContract),
		chainID: big.NewInt(chainID),
		abi:     parsed,
	}, nil
}

// BuildTransfer constructs an unsigned transaction moving minorUnits of the
// token from payer to recipient, base64-encoded for transport.
//
// Pre-checks (best effort):
//   - the token contract is resolvable (has code) — RecipientAccountMissing
//   - the payer's balance covers the amount — InsufficientBalance
//
// Chain-suggested fee parameters are fetched from the ledger JSON-RPC and
// embedded so the transaction is anchored to current chain state; the
// facilitator replaces nonce and signature at settlement.
func (b *Builder) BuildTransfer(ctx context.Context, payer, recipient string, minorUnits *big.Int) (string, error) {
	if minorUnits == nil || minorUnits.Sign() <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	payerAddr := common.HexToAddress(payer)
	recipientAddr := common.HexToAddress(recipient)
	if recipientAddr == (common.Address{}) {
		return "", ErrRecipientAccountMissing
	}

	// Token contract must exist on this chain.
	code, err := b.client.CodeAt(ctx, b.token, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	if len(code) == 0 {
		return "", ErrRecipientAccountMissing
	}

	// Best-effort balance pre-check; settlement is the authority.
	if balance, err := b.balanceOf(ctx, payerAddr); err == nil {
		if balance.Cmp(minorUnits) < 0 {
			return "", ErrInsufficientBalance
		}
	}

	data, err := b.abi.Pack("transferFrom", payerAddr, recipientAddr, minorUnits)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	tipCap, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	feeCap, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       transferGasLimit,
		To:        &b.token,
		Data:      data,
	})

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

func (b *Builder) balanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	// balanceOf(address) selector + padded owner
	selector := common.Hex2Bytes("70a08231")
	data := append(selector, common.LeftPadBytes(owner.Bytes(), 32)...)

	result, err := b.client.CallContract(ctx, ethereum.CallMsg{
		To:   &b.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// -----------------------------------------------------------------------------
// Decoding (facilitator side)
// -----------------------------------------------------------------------------

// TransferDetails are the fields recovered from an unsigned payment
// transaction during verification.
type TransferDetails struct {
	Token      common.Address
	Payer      common.Address
	Recipient  common.Address
	MinorUnits *big.Int
}

// Decode parses a base64 unsigned transaction and extracts the
// transferFrom parameters. Fails if the calldata is not a token transfer.
func Decode(payment string) (*types.Transaction, *TransferDetails, error) {
	raw, err := base64.StdEncoding.DecodeString(payment)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidTransaction, err)
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, nil, fmt.Errorf("%w: bad encoding: %v", ErrInvalidTransaction, err)
	}
	if tx.To() == nil {
		return nil, nil, fmt.Errorf("%w: contract creation is not a payment", ErrInvalidTransaction)
	}

	data := tx.Data()
	// transferFrom(address,address,uint256) = 4-byte selector + 3 words
	if len(data) != 4+3*32 {
		return nil, nil, fmt.Errorf("%w: calldata is not transferFrom", ErrInvalidTransaction)
	}
	selector := common.Bytes2Hex(data[:4])
	if selector != "23b872dd" {
		return nil, nil, fmt.Errorf("%w: calldata is not transferFrom", ErrInvalidTransaction)
	}

	details := &TransferDetails{
		Token:      *tx.To(),
		Payer:      common.BytesToAddress(data[4+12 : 4+32]),
		Recipient:  common.BytesToAddress(data[4+32+12 : 4+64]),
		MinorUnits: new(big.Int).SetBytes(data[4+64 : 4+96]),
	}
	if details.MinorUnits.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: zero amount", ErrInvalidTransaction)
	}

	return tx, details, nil
}
