package chain

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedChain = errors.New("unsupported chain")
	ErrBelowMinimum     = errors.New("amount below chain minimum")
)

// BurnProof is the adapter's attestation of an observed burn.
type BurnProof struct {
	Valid       bool
	FromAddress string
	Amount      decimal.Decimal
}

// NetworkStatus reports adapter connectivity.
type NetworkStatus struct {
	Connected   bool
	BlockHeight int64
}

// Adapter is the boundary to one external blockchain. Implementations own
// signing, encoding and RPC; the core only sees this contract. Mint is
// at-least-once: the correlation ID ties retried submissions to one bridge
// transaction.
type Adapter interface {
	// Mint creates value on the external chain and returns the chain tx ref.
	Mint(ctx context.Context, recipient string, amount decimal.Decimal, correlationID uuid.UUID) (string, error)

	// VerifyBurn returns the proof for a burn reference, or nil when the
	// burn is unknown or not yet confirmed.
	VerifyBurn(ctx context.Context, externalRef string) (*BurnProof, error)

	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)

	NetworkStatus(ctx context.Context) (NetworkStatus, error)
}
