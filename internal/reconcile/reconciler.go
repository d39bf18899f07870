package reconcile

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/terminal-bench/seedbridge/pkg/messaging"
)

const queueGroup = "reconciler"

// Orchestrator is the slice of the bridge orchestrator the reconciler
// drives. Both handlers are idempotent, so duplicated or out-of-order chain
// events cannot double-apply ledger effects.
type Orchestrator interface {
	HandleMintConfirmed(ctx context.Context, txID uuid.UUID, externalRef string) error
	HandleBurnObserved(ctx context.Context, event messaging.BurnObservedEvent) error
}

// Subscriber is the message bus subscription surface.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error
}

// Reconciler consumes asynchronous chain events and advances bridge
// transaction state.
type Reconciler struct {
	orchestrator Orchestrator
}

// NewReconciler creates a reconciler.
func NewReconciler(orchestrator Orchestrator) *Reconciler {
	return &Reconciler{orchestrator: orchestrator}
}

// Start subscribes to the chain event subjects. Queue groups spread events
// across reconciler instances, each event reaching exactly one.
func (r *Reconciler) Start(sub Subscriber) error {
	if err := sub.QueueSubscribe(messaging.SubjectMintConfirmed, queueGroup, r.handleMintConfirmed); err != nil {
		return err
	}
	return sub.QueueSubscribe(messaging.SubjectBurnObserved, queueGroup, r.handleBurnObserved)
}

func (r *Reconciler) handleMintConfirmed(msg *nats.Msg) {
	var event messaging.MintConfirmedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("reconcile: malformed mint confirmation: %v", err)
		return
	}

	if err := r.HandleMintConfirmed(context.Background(), event); err != nil {
		log.Printf("reconcile: mint confirmation %s on %s: %v", event.ExternalRef, event.Chain, err)
	}
}

func (r *Reconciler) handleBurnObserved(msg *nats.Msg) {
	var event messaging.BurnObservedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("reconcile: malformed burn event: %v", err)
		return
	}

	if err := r.HandleBurnObserved(context.Background(), event); err != nil {
		log.Printf("reconcile: burn %s on %s: %v", event.ExternalRef, event.Chain, err)
	}
}

// HandleMintConfirmed advances the correlated transaction to minted.
func (r *Reconciler) HandleMintConfirmed(ctx context.Context, event messaging.MintConfirmedEvent) error {
	if event.CorrelationID == uuid.Nil {
		log.Printf("reconcile: mint confirmation %s without correlation id", event.ExternalRef)
		return nil
	}
	return r.orchestrator.HandleMintConfirmed(ctx, event.CorrelationID, event.ExternalRef)
}

// HandleBurnObserved routes a burn into the inbound unlock flow.
func (r *Reconciler) HandleBurnObserved(ctx context.Context, event messaging.BurnObservedEvent) error {
	return r.orchestrator.HandleBurnObserved(ctx, event)
}
