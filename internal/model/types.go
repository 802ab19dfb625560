package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Status string

const (
	StatusNew       Status = "NEW"
	StatusRead      Status = "READ"
	StatusDismissed Status = "DISMISSED"
)

// Active reports whether the alert still blocks a candidate with the same key.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusRead
}

func ParseStatus(v string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(v))); st {
	case StatusNew, StatusRead, StatusDismissed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

type AccountState struct {
	Balance decimal.Decimal `json:"balance"`
	AsOf    time.Time       `json:"as_of"`
}

// Transaction amounts are signed: negative is a debit, positive a credit.
type Transaction struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Amount      decimal.Decimal `json:"amount"`
	Merchant    string          `json:"merchant"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	IngestedAt  time.Time       `json:"ingested_at"`
}

func (t Transaction) IsDebit() bool {
	return t.Amount.IsNegative()
}

// Spend is the absolute debit amount, zero for credits.
func (t Transaction) Spend() decimal.Decimal {
	if !t.IsDebit() {
		return decimal.Zero
	}
	return t.Amount.Neg()
}

type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	Kind      RuleKind       `json:"kind"`
	Severity  Severity       `json:"severity"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	DedupKey  string         `json:"dedup_key"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	// Zero means the cooldown never elapses.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

func (a Alert) CoolingDown(now time.Time) bool {
	return a.CooldownUntil.IsZero() || now.Before(a.CooldownUntil)
}

// Candidate is an alert draft produced by an evaluator, before deduplication.
type Candidate struct {
	RuleID        string
	Kind          RuleKind
	Severity      Severity
	Title         string
	Body          string
	Data          map[string]any
	DedupKey      string
	CooldownUntil time.Time
	// Rearmed marks a condition that resolved and triggered again since the
	// previous candidate with the same key.
	Rearmed bool
}

type AlertFilter struct {
	Status   Status
	RuleID   string
	Severity *Severity
	Since    time.Time
	Limit    int
}

func (f AlertFilter) Match(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.Severity != nil && a.Severity < *f.Severity {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

type EventKind string

const (
	EventTransaction EventKind = "transaction"
	EventBalance     EventKind = "balance"
)

type IngestEvent struct {
	Kind        EventKind     `json:"kind"`
	Transaction *Transaction  `json:"transaction,omitempty"`
	Balance     *AccountState `json:"balance,omitempty"`
	Source      string        `json:"source,omitempty"`
}
