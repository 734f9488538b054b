package publish

import (
	"context"

	"go.uber.org/multierr"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Sink receives executed trade records.
type Sink interface {
	Record(ctx context.Context, t models.TradeRecord) error
}

// Fanout records to every sink in order. A failing sink does not stop the
// others; all errors are returned together.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(ctx context.Context, t models.TradeRecord) error {
	var err error
	for _, s := range f {
		if s == nil {
			continue
		}
		err = multierr.Append(err, s.Record(ctx, t))
	}
	return err
}
