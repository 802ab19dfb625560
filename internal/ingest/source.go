package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"finalarm/internal/model"
)

// Source is a pull-based account provider.
type Source interface {
	Name() string
	ListTransactions(ctx context.Context, since time.Time) ([]model.Transaction, error)
	CurrentBalance(ctx context.Context) (model.AccountState, error)
}

// FileSource reads a provider export of the form
// {"balance": ..., "as_of": ..., "transactions": [...]}.
type FileSource struct {
	path string
	conv *Converter
}

func NewFileSource(path string, conv *Converter) *FileSource {
	return &FileSource{path: path, conv: conv}
}

func (f *FileSource) Name() string {
	return "file:" + f.path
}

type exportDoc struct {
	Balance      json.RawMessage          `json:"balance"`
	AsOf         string                   `json:"as_of"`
	Transactions []map[string]interface{} `json:"transactions"`
}

func (f *FileSource) read() (exportDoc, error) {
	var doc exportDoc
	data, err := os.ReadFile(f.path)
	if err != nil {
		return doc, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return doc, nil
}

// ListTransactions returns transactions dated at or after since. Undated
// entries are always returned; the account store drops ids it already has.
func (f *FileSource) ListTransactions(ctx context.Context, since time.Time) ([]model.Transaction, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make([]model.Transaction, 0, len(doc.Transactions))
	for i, obj := range doc.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := ParseJSONMap(obj)
		if rec.Transaction == nil {
			return nil, fmt.Errorf("transaction %d: balance record in transaction list", i)
		}
		ev, err := f.conv.Event(rec, f.Name())
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		tx := *ev.Transaction
		if !since.IsZero() && !tx.Timestamp.IsZero() && tx.Timestamp.Before(since) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (f *FileSource) CurrentBalance(ctx context.Context) (model.AccountState, error) {
	doc, err := f.read()
	if err != nil {
		return model.AccountState{}, err
	}
	if len(doc.Balance) == 0 || string(doc.Balance) == "null" {
		return model.AccountState{}, fmt.Errorf("%s: no balance", f.path)
	}
	raw := string(bytes.Trim(doc.Balance, `"`))
	rec := &Record{Balance: balanceFields(raw, doc.AsOf)}
	ev, err := f.conv.Event(rec, f.Name())
	if err != nil {
		return model.AccountState{}, err
	}
	return *ev.Balance, nil
}

// Sink receives synced data. *engine.Engine satisfies it.
type Sink interface {
	IngestTransactions(ctx context.Context, txns []model.Transaction) (int, []model.Alert, error)
	UpdateBalance(ctx context.Context, state model.AccountState) ([]model.Alert, error)
}

type SyncResult struct {
	Fetched int
	Added   int
	Alerts  int
}

// Syncer pulls a Source into a Sink. The cursor trails the newest synced
// transaction by Overlap so late postings are picked up again.
type Syncer struct {
	source  Source
	sink    Sink
	logger  *slog.Logger
	Overlap time.Duration

	mu     sync.Mutex
	cursor time.Time
}

func NewSyncer(source Source, sink Sink, logger *slog.Logger) *Syncer {
	return &Syncer{source: source, sink: sink, logger: logger, Overlap: 24 * time.Hour}
}

func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SyncResult
	since := s.cursor
	if !since.IsZero() {
		since = since.Add(-s.Overlap)
	}
	txns, err := s.source.ListTransactions(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list transactions from %s: %w", s.source.Name(), err)
	}
	res.Fetched = len(txns)
	added, created, err := s.sink.IngestTransactions(ctx, txns)
	res.Added = added
	res.Alerts += len(created)
	if err != nil {
		return res, err
	}
	for _, tx := range txns {
		if tx.Timestamp.After(s.cursor) {
			s.cursor = tx.Timestamp
		}
	}

	balance, err := s.source.CurrentBalance(ctx)
	if err != nil {
		return res, fmt.Errorf("balance from %s: %w", s.source.Name(), err)
	}
	created, err = s.sink.UpdateBalance(ctx, balance)
	res.Alerts += len(created)
	if err != nil {
		return res, err
	}
	if s.logger != nil {
		s.logger.Info("source synced", "source", s.source.Name(), "fetched", res.Fetched, "added", res.Added, "alerts", res.Alerts)
	}
	return res, nil
}

func (s *Syncer) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
