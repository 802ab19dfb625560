package ingest

import (
	"context"
	"log/slog"
	"time"

	"finalarm/internal/model"
	"finalarm/internal/normalize"
)

func SendNonBlocking(ctx context.Context, out chan<- model.IngestEvent, ev model.IngestEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "kind", ev.Kind, "source", ev.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Converter turns parsed records into engine events.
type Converter struct {
	Loc        *time.Location
	Categorize *normalize.Categorizer
}

func (c *Converter) Event(rec *Record, source string) (model.IngestEvent, error) {
	if rec.Balance != nil {
		state, err := normalize.Balance(*rec.Balance, c.Loc)
		if err != nil {
			return model.IngestEvent{}, err
		}
		return model.IngestEvent{Kind: model.EventBalance, Balance: &state, Source: source}, nil
	}
	tx, err := normalize.Transaction(*rec.Transaction, c.Loc, c.Categorize)
	if err != nil {
		return model.IngestEvent{}, err
	}
	return model.IngestEvent{Kind: model.EventTransaction, Transaction: &tx, Source: source}, nil
}
