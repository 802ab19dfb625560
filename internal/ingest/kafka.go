package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"finalarm/internal/config"
	"finalarm/internal/model"
)

// StartKafka consumes statement messages. Each message value is one line in
// any format the Parser accepts; JSON messages with a balance key update the
// account balance.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, conv *Converter, out chan<- model.IngestEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			rec, err := parser.ParseLine(string(m.Value))
			if err != nil || rec == nil {
				if err != nil && logger != nil {
					logger.Warn("kafka parse error", "offset", m.Offset, "err", err)
				}
				continue
			}
			ev, err := conv.Event(rec, "kafka")
			if err != nil {
				if logger != nil {
					logger.Warn("kafka normalize error", "offset", m.Offset, "err", err)
				}
				continue
			}
			SendNonBlocking(ctx, out, ev, logger)
		}
	}()
}
