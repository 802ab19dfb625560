package normalize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionDefaults(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	require.NoError(t, err)
	tx, err := Transaction(TransactionFields{
		ID:          " tx-1 ",
		Timestamp:   "2025-03-10 14:00:00",
		Amount:      "1,250.50",
		Type:        "DEBIT",
		Description: "NANDOS ROSEBANK",
	}, loc, NewCategorizer(DefaultCategories()))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tx.ID)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("-1250.50")))
	assert.Equal(t, "NANDOS ROSEBANK", tx.Merchant)
	assert.Equal(t, "Restaurants", tx.Category)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC), tx.Timestamp)
}

func TestTransactionKeepsGivenCategoryAndSign(t *testing.T) {
	tx, err := Transaction(TransactionFields{ID: "t", Amount: "-99.99", Merchant: "Netflix", Category: "Subscriptions"}, nil, NewCategorizer(DefaultCategories()))
	require.NoError(t, err)
	assert.Equal(t, "Subscriptions", tx.Category)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("-99.99")))
	assert.True(t, tx.Timestamp.IsZero())

	credit, err := Transaction(TransactionFields{ID: "c", Amount: "-500", Type: "credit"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, credit.Amount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "Unknown", credit.Merchant)
	assert.Empty(t, credit.Category)
}

func TestTransactionRejectsMissingFields(t *testing.T) {
	_, err := Transaction(TransactionFields{Amount: "10"}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingID)
	_, err = Transaction(TransactionFields{ID: "x"}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingAmount)
	_, err = Transaction(TransactionFields{ID: "x", Amount: "ten"}, nil, nil)
	assert.Error(t, err)
	_, err = Transaction(TransactionFields{ID: "x", Amount: "10", Timestamp: "yesterday"}, nil, nil)
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2025-03-10T09:30:00Z":      time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		"2025-03-10T11:30:00+02:00": time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		"2025-03-10":                time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		"1741599000":                time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		"1741599000000":             time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}
	_, err := ParseTimestamp("", time.UTC)
	assert.Error(t, err)
}

func TestCategorizerOrderAndFallback(t *testing.T) {
	c := NewCategorizer(DefaultCategories())
	assert.Equal(t, "Fast Food", c.Categorize("UBER EATS ORDER", ""))
	assert.Equal(t, "Transport", c.Categorize("", "Uber Trip"))
	assert.Equal(t, "Groceries", c.Categorize("", "Woolworths Food"))
	assert.Equal(t, "Other", c.Categorize("mystery", "shop"))
}

func TestLoadCategorizerFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- category: Coffee
  keywords: [Vida, "seattle coffee"]
- category: Groceries
  keywords: [checkers]
`), 0o644))
	c, err := LoadCategorizer(path)
	require.NoError(t, err)
	assert.Equal(t, "Coffee", c.Categorize("VIDA E CAFFE", ""))
	assert.Equal(t, "Other", c.Categorize("", "Netflix"))

	def, err := LoadCategorizer("")
	require.NoError(t, err)
	assert.Equal(t, "Entertainment", def.Categorize("", "Netflix"))

	_, err = LoadCategorizer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBalance(t *testing.T) {
	st, err := Balance(BalanceFields{Balance: "R 4,500.25", AsOf: "2025-03-10T08:00:00Z"}, nil)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.RequireFromString("4500.25")))
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), st.AsOf)

	_, err = Balance(BalanceFields{}, nil)
	assert.Error(t, err)
}
