package account

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finalarm/internal/model"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return t0 }

func txn(id string, ts time.Time, amount int64, category string) model.Transaction {
	return model.Transaction{ID: id, Timestamp: ts, Amount: decimal.NewFromInt(amount), Merchant: "m", Category: category}
}

func TestAddTransactionKeepsTimestampOrder(t *testing.T) {
	s := NewStore(fixedClock)
	for _, tx := range []model.Transaction{
		txn("b", t0.Add(2*time.Hour), -10, ""),
		txn("a", t0.Add(1*time.Hour), -10, ""),
		txn("c", t0.Add(3*time.Hour), -10, ""),
	} {
		_, added, err := s.AddTransaction(tx)
		require.NoError(t, err)
		require.True(t, added)
	}
	snap := s.Snapshot()
	ids := []string{}
	for _, tx := range snap.Transactions {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestAddTransactionIsIdempotent(t *testing.T) {
	s := NewStore(fixedClock)
	_, added, err := s.AddTransaction(txn("x", t0, -5, ""))
	require.NoError(t, err)
	require.True(t, added)
	_, added, err = s.AddTransaction(txn("x", t0, -500, ""))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, s.Len())
}

func TestAddTransactionRequiresID(t *testing.T) {
	s := NewStore(fixedClock)
	_, _, err := s.AddTransaction(txn(" ", t0, -5, ""))
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestIngestionStampsAreStrictlyIncreasing(t *testing.T) {
	s := NewStore(fixedClock)
	a, _, _ := s.AddTransaction(txn("a", t0, -1, ""))
	b, _, _ := s.AddTransaction(txn("b", t0, -1, ""))
	assert.True(t, b.IngestedAt.After(a.IngestedAt))
	assert.Equal(t, b.IngestedAt, s.LastIngestedAt())
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(fixedClock)
	_, _, _ = s.AddTransaction(txn("a", t0, -1, ""))
	snap := s.Snapshot()
	snap.Transactions[0].Merchant = "changed"
	assert.Equal(t, "m", s.Recent(1)[0].Merchant)
}

func TestSetBalanceIgnoresStaleUpdates(t *testing.T) {
	s := NewStore(fixedClock)
	assert.True(t, s.SetBalance(model.AccountState{Balance: decimal.NewFromInt(500), AsOf: t0}))
	assert.False(t, s.SetBalance(model.AccountState{Balance: decimal.NewFromInt(900), AsOf: t0.Add(-time.Minute)}))
	assert.Equal(t, "500", s.Account().Balance.String())
}

func TestCategorySpendCurrentMonthOnly(t *testing.T) {
	s := NewStore(fixedClock)
	_, _, _ = s.AddTransaction(txn("feb", time.Date(2025, 2, 27, 9, 0, 0, 0, time.UTC), -300, "Restaurants"))
	_, _, _ = s.AddTransaction(txn("mar1", time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), -120, "Restaurants"))
	_, _, _ = s.AddTransaction(txn("mar2", time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC), -80, "Restaurants"))
	_, _, _ = s.AddTransaction(txn("salary", time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), 9000, "Salary"))

	spend := s.CategorySpend(t0, time.UTC)
	assert.Equal(t, "200", spend["Restaurants"].String())
	_, ok := spend["Salary"]
	assert.False(t, ok)
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _, _ = s.AddTransaction(txn(fmt.Sprintf("%d-%d", n, j), t0, -1, ""))
				_ = s.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 400, s.Len())
}
