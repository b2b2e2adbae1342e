package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Zephrnos/polyglot-ledger-engine/internal/models"
	"github.com/Zephrnos/polyglot-ledger-engine/internal/store"
)

// Ledger is the slice of the store the processor needs: fresh balance reads
// for verification and the atomic commit for admitted transfers.
type Ledger interface {
	AccountBalance(ctx context.Context, id int64) (decimal.Decimal, error)
	CommitTransfer(ctx context.Context, t *models.Transfer) error
}

// Processor decides whether a transfer is admissible and, if so, commits it.
type Processor struct {
	ledger Ledger
	log    *zap.Logger
}

func NewProcessor(ledger Ledger, log *zap.Logger) *Processor {
	return &Processor{ledger: ledger, log: log}
}

// Process runs one transfer end to end and reports the outcome. Business
// rejections come back as data; only infrastructure trouble is marked
// retryable so the consumer can requeue the delivery.
func (p *Processor) Process(ctx context.Context, t *models.Transfer) models.Outcome {
	reason, err := p.verify(ctx, t)
	if err != nil {
		p.log.Error("balance verification failed",
			zap.String("transfer_id", t.ID.String()),
			zap.Error(err))
		return models.PersistenceFailureOutcome(err)
	}
	if reason != "" {
		return models.RejectedOutcome(reason)
	}

	err = p.ledger.CommitTransfer(ctx, t)
	switch {
	case err == nil:
		return models.CommittedOutcome()
	case errors.Is(err, store.ErrTransferApplied):
		// Redelivery of an already-committed transfer. The ledger effect
		// happened exactly once; report success so the delivery is acked.
		p.log.Info("transfer already applied, skipping",
			zap.String("transfer_id", t.ID.String()),
			zap.String("idempotency_key", t.IdempotencyKey))
		return models.CommittedOutcome()
	case errors.Is(err, store.ErrInsufficientFunds):
		// A concurrent transfer drained the source between the verification
		// read and the conditional debit.
		return models.RejectedOutcome(models.ReasonInsufficientFunds)
	default:
		p.log.Error("ledger commit failed",
			zap.String("transfer_id", t.ID.String()),
			zap.Error(err))
		return models.PersistenceFailureOutcome(err)
	}
}

type balanceResult struct {
	balance decimal.Decimal
	err     error
}

// verify applies the admission checks in order, short-circuiting on the first
// failure. A non-empty reason is a permanent business rejection; a non-nil
// error means a lookup failed for infrastructure reasons and nothing can be
// decided.
func (p *Processor) verify(ctx context.Context, t *models.Transfer) (models.RejectReason, error) {
	if !t.Amount.IsPositive() {
		return models.ReasonInvalidAmount, nil
	}
	if t.SourceID == t.TargetID {
		return models.ReasonSameAccount, nil
	}

	// The two lookups touch unrelated rows and have no ordering dependency;
	// issue both at once and join.
	sourceCh := make(chan balanceResult, 1)
	targetCh := make(chan balanceResult, 1)
	go func() {
		balance, err := p.ledger.AccountBalance(ctx, t.SourceID)
		sourceCh <- balanceResult{balance, err}
	}()
	go func() {
		balance, err := p.ledger.AccountBalance(ctx, t.TargetID)
		targetCh <- balanceResult{balance, err}
	}()
	source, target := <-sourceCh, <-targetCh

	sourceMissing := errors.Is(source.err, store.ErrAccountNotFound)
	targetMissing := errors.Is(target.err, store.ErrAccountNotFound)
	switch {
	case sourceMissing && targetMissing:
		return models.ReasonBothNotFound, nil
	case source.err != nil && !sourceMissing:
		return "", source.err
	case target.err != nil && !targetMissing:
		return "", target.err
	case sourceMissing:
		return models.ReasonSourceNotFound, nil
	case targetMissing:
		return models.ReasonTargetNotFound, nil
	}

	if source.balance.LessThan(t.Amount) {
		return models.ReasonInsufficientFunds, nil
	}
	return "", nil
}
