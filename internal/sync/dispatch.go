package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/jobtrail/internal/store"
)

const (
	dispatchBatchSize = 100
	dispatchIdleSleep = 500 * time.Millisecond
	dispatchErrSleep  = time.Second
	publishBackoff    = 10 * time.Second
)

// Publisher is the event sink the dispatcher drains the outbox into.
type Publisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher moves committed outbox rows to the event stream. Rows are
// written in the same transaction as the application change, so a
// publish failure only delays delivery, never loses it.
type Dispatcher struct {
	store     *store.Store
	publisher Publisher
	logger    *zap.Logger
}

func NewDispatcher(st *store.Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, publisher: publisher, logger: logger}
}

// Run drains the outbox until ctx is cancelled. Intended to be run as
// a single goroutine per process.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.publisher.EnsureStream(ctx); err != nil {
		d.logger.Error("failed to ensure event stream", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, dispatchBatchSize)
		if err != nil {
			d.logger.Error("failed to dequeue outbox", zap.Error(err))
			sleep(ctx, dispatchErrSleep)
			continue
		}
		if len(messages) == 0 {
			sleep(ctx, dispatchIdleSleep)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Warn("failed to publish event, will retry",
					zap.Int64("outbox_id", msg.ID),
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if retryErr := d.store.MarkOutboxRetry(ctx, msg.ID, publishBackoff); retryErr != nil {
					d.logger.Error("failed to schedule outbox retry",
						zap.Int64("outbox_id", msg.ID), zap.Error(retryErr))
				}
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Error("failed to mark outbox row published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
