package facilitator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/thisissamridh/mesh/internal/txbuilder"
	"github.com/thisissamridh/mesh/internal/wallet"
)

// X402Version is the protocol version this facilitator speaks.
const X402Version = "0.1.0"

// Scheme is the payment scheme: exact-amount token transfers.
const Scheme = "exact"

// Service is the facilitator process: it validates unsigned payment
// transactions, signs them with its own key (paying gas), broadcasts, and
// waits for confirmation. Consumers pre-approve this wallet on the token
// contract; the service is the explicit trust boundary of the marketplace.
type Service struct {
	wallet  *wallet.Wallet
	network string
	logger  *slog.Logger
}

// NewService creates a facilitator service around a funded fee-payer wallet.
func NewService(w *wallet.Wallet, network string, logger *slog.Logger) *Service {
	return &Service{wallet: w, network: network, logger: logger}
}

// Supported returns the capability document.
func (s *Service) Supported() *SupportedResponse {
	return &SupportedResponse{
		X402Version:     X402Version,
		Scheme:          Scheme,
		Network:         s.network,
		FeePayer:        s.wallet.Address(),
		SupportedTokens: []string{s.wallet.Token().Hex()},
	}
}

// Verify structurally validates a payment without broadcasting: the
// transaction must decode to a transferFrom on the supported token, and the
// payer must have granted this facilitator a sufficient allowance.
func (s *Service) Verify(ctx context.Context, paymentB64 string) *VerifyResponse {
	_, details, err := txbuilder.Decode(paymentB64)
	if err != nil {
		return &VerifyResponse{IsValid: false, Message: err.Error()}
	}

	if details.Token != s.wallet.Token() {
		return &VerifyResponse{IsValid: false, Message: "unsupported token contract"}
	}

	// Allowance check is best effort: RPC trouble here should not fail a
	// structural verify.
	allowance, err := s.wallet.AllowanceOf(ctx, details.Payer, common.HexToAddress(s.wallet.Address()))
	if err == nil && allowance.Cmp(details.MinorUnits) < 0 {
		return &VerifyResponse{
			IsValid: false,
			Message: fmt.Sprintf("payer allowance %s below transfer amount %s",
				wallet.FormatUSDC(allowance), wallet.FormatUSDC(details.MinorUnits)),
		}
	}

	return &VerifyResponse{IsValid: true, Message: "transaction verified"}
}

// Settle signs the payment as fee payer, broadcasts it, waits for the
// receipt, and returns the transaction hash as the settlement signature.
func (s *Service) Settle(ctx context.Context, paymentB64 string) *SettleResponse {
	tx, details, err := txbuilder.Decode(paymentB64)
	if err != nil {
		return &SettleResponse{Success: false, Error: err.Error()}
	}
	if details.Token != s.wallet.Token() {
		return &SettleResponse{Success: false, Error: "unsupported token contract"}
	}

	signed, err := s.wallet.SignAndSend(ctx, tx)
	if err != nil {
		s.logger.Error("settlement broadcast failed",
			"payer", details.Payer.Hex(),
			"recipient", details.Recipient.Hex(),
			"error", err,
		)
		return &SettleResponse{Success: false, Error: err.Error()}
	}

	receipt, err := s.wallet.WaitForReceipt(ctx, signed.Hash(), SettleTimeout)
	if err != nil {
		return &SettleResponse{Success: false, Error: fmt.Sprintf("confirmation timed out: %v", err)}
	}
	if receipt.Status == 0 {
		return &SettleResponse{Success: false, Error: "transaction reverted"}
	}

	s.logger.Info("payment settled",
		"signature", signed.Hash().Hex(),
		"payer", details.Payer.Hex(),
		"recipient", details.Recipient.Hex(),
		"amount_minor", details.MinorUnits.String(),
	)

	return &SettleResponse{
		Success:              true,
		TransactionSignature: signed.Hash().Hex(),
		Network:              s.network,
	}
}

// FeePayerBalance reports the facilitator wallet's token balance, used by
// the health endpoint.
func (s *Service) FeePayerBalance(ctx context.Context) (*big.Int, error) {
	return s.wallet.BalanceOf(ctx, common.HexToAddress(s.wallet.Address()))
}
