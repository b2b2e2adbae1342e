package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformedRequest marks a queue body that can never decode into a valid
// transfer request, no matter how often it is redelivered.
var ErrMalformedRequest = errors.New("malformed transfer request")

// TransferRequest is the payload carried by a queue delivery.
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	SourceID       int64           `json:"source_id"`
	TargetID       int64           `json:"target_id"`
	Amount         decimal.Decimal `json:"amount"`
}

// DecodeTransferRequest parses a delivery body. Every field is required;
// a missing or unparseable field is a poison-message defect, reported as
// ErrMalformedRequest so the consumer can drop the delivery without requeue.
func DecodeTransferRequest(body []byte) (*TransferRequest, error) {
	var raw struct {
		IdempotencyKey *string          `json:"idempotency_key"`
		SourceID       *int64           `json:"source_id"`
		TargetID       *int64           `json:"target_id"`
		Amount         *decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if raw.IdempotencyKey == nil || *raw.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: missing idempotency_key", ErrMalformedRequest)
	}
	if raw.SourceID == nil {
		return nil, fmt.Errorf("%w: missing source_id", ErrMalformedRequest)
	}
	if raw.TargetID == nil {
		return nil, fmt.Errorf("%w: missing target_id", ErrMalformedRequest)
	}
	if raw.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrMalformedRequest)
	}

	return &TransferRequest{
		IdempotencyKey: *raw.IdempotencyKey,
		SourceID:       *raw.SourceID,
		TargetID:       *raw.TargetID,
		Amount:         *raw.Amount,
	}, nil
}

// Transfer is the immutable record of intent for one processing attempt.
type Transfer struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	IdempotencyKey string
	SourceID       int64
	TargetID       int64
	Amount         decimal.Decimal
}

// NewTransfer stamps a decoded request with a transfer id and creation time.
func NewTransfer(req *TransferRequest) *Transfer {
	return &Transfer{
		ID:             uuid.New(),
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: req.IdempotencyKey,
		SourceID:       req.SourceID,
		TargetID:       req.TargetID,
		Amount:         req.Amount,
	}
}

// AccountBalance is a read-only projection fetched fresh per transfer.
type AccountBalance struct {
	AccountID int64
	Balance   decimal.Decimal
}

// RejectReason identifies why a transfer was not committed. The strings are
// the human-readable reasons exposed through the status cache.
type RejectReason string

const (
	ReasonInvalidAmount      RejectReason = "transaction value must be positive"
	ReasonSameAccount        RejectReason = "target and source are the same account"
	ReasonSourceNotFound     RejectReason = "source account not found"
	ReasonTargetNotFound     RejectReason = "target account not found"
	ReasonBothNotFound       RejectReason = "both accounts not found"
	ReasonInsufficientFunds  RejectReason = "source account has insufficient funds"
	ReasonPersistenceFailure RejectReason = "persistence failure"
)

// Outcome is the result of processing one transfer: committed, or rejected
// with a reason. Err carries the underlying cause for persistence failures.
type Outcome struct {
	Committed bool
	Reason    RejectReason
	Err       error
}

func CommittedOutcome() Outcome {
	return Outcome{Committed: true}
}

func RejectedOutcome(reason RejectReason) Outcome {
	return Outcome{Reason: reason}
}

func PersistenceFailureOutcome(err error) Outcome {
	return Outcome{Reason: ReasonPersistenceFailure, Err: err}
}

// Retryable reports whether the outcome is an infrastructure failure that a
// redelivery might resolve, as opposed to a permanent business rejection.
func (o Outcome) Retryable() bool {
	return !o.Committed && o.Reason == ReasonPersistenceFailure
}

// StatusValue renders the outcome as the value stored in the status cache.
// It must not be called for retryable outcomes: those are requeued and have
// no decided status yet.
func (o Outcome) StatusValue() string {
	if o.Committed {
		return "success"
	}
	return "failed: " + string(o.Reason)
}
