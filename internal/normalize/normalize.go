package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finalarm/internal/model"
)

// TransactionFields is a transaction as read from a feed, before any
// validation or type conversion.
type TransactionFields struct {
	ID          string
	Timestamp   string
	Amount      string
	Merchant    string
	Category    string
	Description string
	// Type is the bank's DEBIT/CREDIT marker, when the feed sends unsigned amounts.
	Type   string
	Extras map[string]string
	Raw    string
}

var (
	ErrMissingID     = errors.New("transaction id is required")
	ErrMissingAmount = errors.New("transaction amount is required")
)

// Transaction converts raw fields into a model.Transaction. A missing
// timestamp is left zero so the account store stamps it on arrival. An
// empty category is filled in by cat when one is given.
func Transaction(fields TransactionFields, loc *time.Location, cat *Categorizer) (model.Transaction, error) {
	id := strings.TrimSpace(fields.ID)
	if id == "" {
		return model.Transaction{}, ErrMissingID
	}
	if strings.TrimSpace(fields.Amount) == "" {
		return model.Transaction{}, ErrMissingAmount
	}
	amount, err := ParseAmount(fields.Amount)
	if err != nil {
		return model.Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	switch strings.ToUpper(strings.TrimSpace(fields.Type)) {
	case "DEBIT":
		amount = amount.Abs().Neg()
	case "CREDIT":
		amount = amount.Abs()
	}

	if loc == nil {
		loc = time.UTC
	}
	var ts time.Time
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Transaction{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	merchant := strings.TrimSpace(fields.Merchant)
	description := strings.TrimSpace(fields.Description)
	if merchant == "" {
		merchant = description
	}
	if merchant == "" {
		merchant = "Unknown"
	}
	category := strings.TrimSpace(fields.Category)
	if category == "" && cat != nil {
		category = cat.Categorize(description, merchant)
	}

	return model.Transaction{
		ID:          id,
		Timestamp:   ts,
		Amount:      amount,
		Merchant:    merchant,
		Category:    category,
		Description: description,
	}, nil
}

// ParseAmount accepts plain decimals with optional thousands separators and a
// leading currency marker, e.g. "R 1,250.00".
func ParseAmount(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "R")
	v = strings.ReplaceAll(v, ",", "")
	v = strings.ReplaceAll(v, " ", "")
	if v == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	return decimal.NewFromString(v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02",
}

// ParseTimestamp tries RFC 3339 and the common bank export layouts, then unix
// seconds or milliseconds. Layouts without a zone are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

type BalanceFields struct {
	Balance string
	AsOf    string
}

// Balance converts a balance report. A missing as-of time is left zero and
// stamped on arrival.
func Balance(fields BalanceFields, loc *time.Location) (model.AccountState, error) {
	if strings.TrimSpace(fields.Balance) == "" {
		return model.AccountState{}, errors.New("balance is required")
	}
	amount, err := ParseAmount(fields.Balance)
	if err != nil {
		return model.AccountState{}, fmt.Errorf("parse balance: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	var asOf time.Time
	if strings.TrimSpace(fields.AsOf) != "" {
		parsed, err := ParseTimestamp(fields.AsOf, loc)
		if err != nil {
			return model.AccountState{}, fmt.Errorf("parse as_of: %w", err)
		}
		asOf = parsed.UTC()
	}
	return model.AccountState{Balance: amount, AsOf: asOf}, nil
}
