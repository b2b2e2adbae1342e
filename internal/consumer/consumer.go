package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Zephrnos/polyglot-ledger-engine/internal/models"
)

// ErrChannelClosed is returned when the broker closes the delivery stream
// underneath the consumer, typically on connection loss.
var ErrChannelClosed = errors.New("delivery channel closed by broker")

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_deliveries_total",
		Help: "Queue deliveries handled, labeled by disposition",
	}, []string{"disposition"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_transfer_outcomes_total",
		Help: "Transfer processing outcomes, labeled by result",
	}, []string{"result"})

	processingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_transfer_duration_seconds",
		Help:    "Latency distribution of end-to-end transfer processing",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// Processor runs one transfer end to end.
type Processor interface {
	Process(ctx context.Context, t *models.Transfer) models.Outcome
}

// StatusWriter records a decided status for an idempotency key.
type StatusWriter interface {
	WriteStatus(ctx context.Context, idempotencyKey, value string) error
}

// Consumer pulls deliveries from the durable queue one at a time, dispatches
// them to the processor, and maps each outcome to an ack/nack decision plus a
// best-effort status-cache write.
type Consumer struct {
	ch        *amqp.Channel
	queue     string
	tag       string
	processor Processor
	status    StatusWriter
	log       *zap.Logger
	opTimeout time.Duration
}

func New(ch *amqp.Channel, queue, tag string, processor Processor, status StatusWriter, log *zap.Logger, opTimeout time.Duration) *Consumer {
	return &Consumer{
		ch:        ch,
		queue:     queue,
		tag:       tag,
		processor: processor,
		status:    status,
		log:       log,
		opTimeout: opTimeout,
	}
}

// Run declares the durable queue, registers the consumer, and processes
// deliveries until the context is canceled or the broker drops the stream.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return err
	}
	// One unacked delivery at a time: a delivery is fully decided before the
	// next one is pulled.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.log.Info("consumer started", zap.String("queue", c.queue), zap.String("consumer_tag", c.tag))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	timer := prometheus.NewTimer(processingDuration)
	defer timer.ObserveDuration()

	req, err := models.DecodeTransferRequest(d.Body)
	if err != nil {
		// Poison message: a malformed body will never become well-formed on
		// retry. Reject without requeue so it dead-letters if configured.
		c.log.Warn("dropping undecodable delivery", zap.Error(err))
		deliveriesTotal.WithLabelValues("rejected_poison").Inc()
		c.nack(d, false)
		return
	}

	t := models.NewTransfer(req)
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	outcome := c.processor.Process(opCtx, t)
	outcomesTotal.WithLabelValues(outcomeLabel(outcome)).Inc()

	if outcome.Retryable() {
		// Transient infrastructure failure: no status is decided yet, and a
		// misleading permanent-failure entry must not be written. Hand the
		// delivery back to the broker.
		c.log.Warn("requeueing delivery after persistence failure",
			zap.String("transfer_id", t.ID.String()),
			zap.String("idempotency_key", t.IdempotencyKey),
			zap.Error(outcome.Err))
		deliveriesTotal.WithLabelValues("requeued").Inc()
		c.nack(d, true)
		return
	}

	// The ledger is authoritative; the status cache is best effort.
	if err := c.status.WriteStatus(opCtx, t.IdempotencyKey, outcome.StatusValue()); err != nil {
		c.log.Error("status cache write failed",
			zap.String("idempotency_key", t.IdempotencyKey),
			zap.Error(err))
	}

	if outcome.Committed {
		c.log.Info("transfer committed",
			zap.String("transfer_id", t.ID.String()),
			zap.Int64("source_id", t.SourceID),
			zap.Int64("target_id", t.TargetID),
			zap.String("amount", t.Amount.String()))
	} else {
		c.log.Info("transfer rejected",
			zap.String("transfer_id", t.ID.String()),
			zap.String("reason", string(outcome.Reason)))
	}

	deliveriesTotal.WithLabelValues("acked").Inc()
	if err := d.Ack(false); err != nil {
		c.log.Error("ack failed", zap.String("transfer_id", t.ID.String()), zap.Error(err))
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.log.Error("nack failed", zap.Bool("requeue", requeue), zap.Error(err))
	}
}

func outcomeLabel(o models.Outcome) string {
	switch {
	case o.Committed:
		return "committed"
	case o.Reason == models.ReasonPersistenceFailure:
		return "persistence_failure"
	case o.Reason == models.ReasonInsufficientFunds:
		return "insufficient_funds"
	case o.Reason == models.ReasonInvalidAmount:
		return "invalid_amount"
	case o.Reason == models.ReasonSameAccount:
		return "same_account"
	default:
		return "not_found"
	}
}
