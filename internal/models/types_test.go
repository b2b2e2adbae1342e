package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransferRequest(t *testing.T) {
	body := `{"idempotency_key":"k-1","source_id":10,"target_id":20,"amount":100.50}`

	req, err := DecodeTransferRequest([]byte(body))

	require.NoError(t, err)
	assert.Equal(t, "k-1", req.IdempotencyKey)
	assert.Equal(t, int64(10), req.SourceID)
	assert.Equal(t, int64(20), req.TargetID)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("100.50")))
}

func TestDecodeTransferRequest_StringAmount(t *testing.T) {
	body := `{"idempotency_key":"k-1","source_id":10,"target_id":20,"amount":"0.01"}`

	req, err := DecodeTransferRequest([]byte(body))

	require.NoError(t, err)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("0.01")))
}

func TestDecodeTransferRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"idempotency_key":`},
		{"missing idempotency key", `{"source_id":1,"target_id":2,"amount":"5"}`},
		{"empty idempotency key", `{"idempotency_key":"","source_id":1,"target_id":2,"amount":"5"}`},
		{"missing source", `{"idempotency_key":"k","target_id":2,"amount":"5"}`},
		{"missing target", `{"idempotency_key":"k","source_id":1,"amount":"5"}`},
		{"missing amount", `{"idempotency_key":"k","source_id":1,"target_id":2}`},
		{"unparseable amount", `{"idempotency_key":"k","source_id":1,"target_id":2,"amount":"ten"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTransferRequest([]byte(tt.body))
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestNewTransfer(t *testing.T) {
	req := &TransferRequest{
		IdempotencyKey: "k-1",
		SourceID:       1,
		TargetID:       2,
		Amount:         decimal.RequireFromString("9.99"),
	}

	transfer := NewTransfer(req)

	assert.NotEqual(t, uuid.Nil, transfer.ID)
	assert.False(t, transfer.CreatedAt.IsZero())
	assert.Equal(t, req.IdempotencyKey, transfer.IdempotencyKey)
	assert.Equal(t, req.SourceID, transfer.SourceID)
	assert.Equal(t, req.TargetID, transfer.TargetID)
	assert.True(t, transfer.Amount.Equal(req.Amount))

	// Two attempts over the same request get distinct transfer ids.
	assert.NotEqual(t, transfer.ID, NewTransfer(req).ID)
}

func TestOutcome(t *testing.T) {
	committed := CommittedOutcome()
	assert.True(t, committed.Committed)
	assert.False(t, committed.Retryable())
	assert.Equal(t, "success", committed.StatusValue())

	rejected := RejectedOutcome(ReasonSourceNotFound)
	assert.False(t, rejected.Committed)
	assert.False(t, rejected.Retryable())
	assert.Equal(t, "failed: source account not found", rejected.StatusValue())

	failed := PersistenceFailureOutcome(assert.AnError)
	assert.True(t, failed.Retryable())
	assert.Equal(t, assert.AnError, failed.Err)
}
