package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Source yields new, not yet processed messages, oldest first.
type Source interface {
	Fetch(ctx context.Context) ([]models.Message, error)
}

// Run polls src every interval and processes each message sequentially until
// ctx is cancelled. Fetch errors are logged and retried on the next tick.
// onOutcome, when set, observes every processed message.
func (p *Processor) Run(ctx context.Context, src Source, interval time.Duration, onOutcome func(Outcome)) error {
	if interval <= 0 {
		interval = time.Second
	}
	p.logger.WithField("interval", interval.String()).Info("Watching for trade alerts")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	p.poll(ctx, src, onOutcome)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Alert loop stopped")
			return nil
		case <-ticker.C:
			p.poll(ctx, src, onOutcome)
		}
	}
}

func (p *Processor) poll(ctx context.Context, src Source, onOutcome func(Outcome)) {
	msgs, err := src.Fetch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.logger.WithError(err).Warn("Failed to fetch messages")
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		out := p.Process(ctx, msg)
		p.logger.WithFields(logrus.Fields{
			"message_id": out.MessageID,
			"status":     string(out.Status),
		}).Debug("Message processed")
		if onOutcome != nil {
			onOutcome(out)
		}
	}
}
