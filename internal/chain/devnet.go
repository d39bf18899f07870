package chain

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

// Devnet is a simulated chain adapter for local runs. Mints confirm after a
// configurable delay by publishing the confirmation event the same way a
// real adapter's watcher would.
type Devnet struct {
	chainID      string
	confirmDelay time.Duration
	msgClient    *messaging.Client

	balances map[string]decimal.Decimal
	burns    map[string]BurnProof
	height   int64
	mu       sync.RWMutex
}

// NewDevnet creates a simulated adapter for the given chain ID.
func NewDevnet(chainID string, confirmDelay time.Duration, msgClient *messaging.Client) *Devnet {
	return &Devnet{
		chainID:      chainID,
		confirmDelay: confirmDelay,
		msgClient:    msgClient,
		balances:     make(map[string]decimal.Decimal),
		burns:        make(map[string]BurnProof),
	}
}

// Mint credits the simulated chain balance and schedules a confirmation event.
func (d *Devnet) Mint(ctx context.Context, recipient string, amount decimal.Decimal, correlationID uuid.UUID) (string, error) {
	ref := newTxRef()

	d.mu.Lock()
	d.balances[recipient] = d.balances[recipient].Add(amount)
	d.height++
	height := d.height
	d.mu.Unlock()

	if d.msgClient != nil {
		time.AfterFunc(d.confirmDelay, func() {
			event := messaging.MintConfirmedEvent{
				Chain:         d.chainID,
				ExternalRef:   ref,
				CorrelationID: correlationID,
				Amount:        amount.String(),
				BlockHeight:   height,
				Timestamp:     time.Now(),
			}
			if err := d.msgClient.Publish(context.Background(), messaging.SubjectMintConfirmed, event); err != nil {
				log.Printf("devnet %s: failed to publish mint confirmation: %v", d.chainID, err)
			}
		})
	}

	return ref, nil
}

// VerifyBurn returns the recorded proof, or nil for unknown refs.
func (d *Devnet) VerifyBurn(ctx context.Context, externalRef string) (*BurnProof, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	proof, ok := d.burns[externalRef]
	if !ok {
		return nil, nil
	}
	return &proof, nil
}

// BalanceOf returns the simulated balance for an address.
func (d *Devnet) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.balances[address], nil
}

// NetworkStatus always reports connected.
func (d *Devnet) NetworkStatus(ctx context.Context) (NetworkStatus, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return NetworkStatus{Connected: true, BlockHeight: d.height}, nil
}

// Burn simulates a user burning value on the chain. The burn becomes
// verifiable and is announced on the event bus like a watched chain event.
func (d *Devnet) Burn(ctx context.Context, fromAddress string, amount decimal.Decimal, accountRef string) (string, error) {
	ref := newTxRef()

	d.mu.Lock()
	d.balances[fromAddress] = d.balances[fromAddress].Sub(amount)
	d.burns[ref] = BurnProof{Valid: true, FromAddress: fromAddress, Amount: amount}
	d.height++
	d.mu.Unlock()

	if d.msgClient != nil {
		event := messaging.BurnObservedEvent{
			Chain:       d.chainID,
			ExternalRef: ref,
			FromAddress: fromAddress,
			AccountRef:  accountRef,
			Amount:      amount.String(),
			Timestamp:   time.Now(),
		}
		if err := d.msgClient.Publish(ctx, messaging.SubjectBurnObserved, event); err != nil {
			log.Printf("devnet %s: failed to publish burn event: %v", d.chainID, err)
		}
	}

	return ref, nil
}

func newTxRef() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return "0x" + hex.EncodeToString(buf)
}
