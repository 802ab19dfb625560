package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"finalarm/internal/model"
)

// dailyWindow buckets debit totals per local calendar day over the
// lookback days preceding today, plus today itself.
type dailyWindow struct {
	start    time.Time
	today    time.Time
	days     int
	buckets  []decimal.Decimal
	current  decimal.Decimal
	earliest time.Time
}

func newDailyWindow(now time.Time, days int, loc *time.Location) *dailyWindow {
	today := dayStart(now, loc)
	return &dailyWindow{
		start:   time.Date(today.Year(), today.Month(), today.Day()-days, 0, 0, 0, 0, loc),
		today:   today,
		days:    days,
		buckets: make([]decimal.Decimal, days),
		current: decimal.Zero,
	}
}

func (w *dailyWindow) Add(tx model.Transaction) {
	if w.earliest.IsZero() || tx.Timestamp.Before(w.earliest) {
		w.earliest = tx.Timestamp
	}
	if !tx.IsDebit() {
		return
	}
	loc := w.today.Location()
	day := dayStart(tx.Timestamp, loc)
	if day.Equal(w.today) {
		w.current = w.current.Add(tx.Spend())
		return
	}
	if day.Before(w.start) || day.After(w.today) {
		return
	}
	idx := calendarDays(w.start, day)
	if idx >= 0 && idx < w.days {
		w.buckets[idx] = w.buckets[idx].Add(tx.Spend())
	}
}

// Covered reports whether history reaches back to the first lookback day.
func (w *dailyWindow) Covered() bool {
	if w.earliest.IsZero() {
		return false
	}
	return !dayStart(w.earliest, w.today.Location()).After(w.start)
}

func (w *dailyWindow) History() []model.DayTotal {
	out := make([]model.DayTotal, 0, w.days)
	for i, total := range w.buckets {
		day := time.Date(w.start.Year(), w.start.Month(), w.start.Day()+i, 0, 0, 0, 0, w.start.Location())
		out = append(out, model.DayTotal{Day: day.Format(dayLayout), Total: total})
	}
	return out
}

// backlog totals today's debits ingested at or before since.
func (w *dailyWindow) backlog(txns []model.Transaction, since time.Time) decimal.Decimal {
	total := decimal.Zero
	loc := w.today.Location()
	for _, tx := range txns {
		if tx.IsDebit() && !tx.IngestedAt.After(since) && dayStart(tx.Timestamp, loc).Equal(w.today) {
			total = total.Add(tx.Spend())
		}
	}
	return total
}

func (w *dailyWindow) Stats() (mean, stddev float64) {
	values := make([]float64, len(w.buckets))
	for i, total := range w.buckets {
		values[i] = total.InexactFloat64()
	}
	if len(values) < 2 {
		return stat.Mean(values, nil), 0
	}
	return stat.MeanStdDev(values, nil)
}

// evalSpendingSpike compares today's running debit total with the mean of the
// preceding lookback days. Without full coverage of those days it stays quiet.
func evalSpendingSpike(rule model.AlertRule, p model.SpendingSpikeParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.SpendingSpike == nil {
		st.SpendingSpike = &model.SpendingSpikeState{}
	}
	loc := in.location()
	w := newDailyWindow(in.Now, p.LookbackDays, loc)
	for _, tx := range in.Transactions {
		w.Add(tx)
	}
	st.SpendingSpike.History = w.History()
	if !w.Covered() {
		return nil, st, nil
	}
	mean, stddev := w.Stats()
	if mean <= 0 {
		return nil, st, nil
	}
	baseline := decimal.NewFromFloat(mean).Round(2)
	limit := baseline.Mul(decimal.NewFromFloat(p.ThresholdMultiplier))
	if !w.current.GreaterThan(limit) {
		return nil, st, nil
	}
	day := w.today.Format(dayLayout)
	if st.SpendingSpike.LastFiredDay == day {
		return nil, st, nil
	}
	st.SpendingSpike.LastFiredDay = day
	if !st.Since.IsZero() && w.backlog(in.Transactions, st.Since).GreaterThan(limit) {
		return nil, st, nil
	}
	ratio := w.current.InexactFloat64() / mean
	return []model.Candidate{{
		RuleID:   rule.ID,
		Kind:     rule.Kind,
		Severity: model.SeverityWarning,
		Title:    "Spending Spike Detected",
		Body: fmt.Sprintf("You've spent %s today, %.1fx your daily average of %s",
			money(w.current), ratio, money(baseline)),
		Data: map[string]any{
			"day":           day,
			"today_total":   w.current.StringFixed(2),
			"daily_mean":    baseline.StringFixed(2),
			"daily_stddev":  fmt.Sprintf("%.2f", stddev),
			"ratio":         fmt.Sprintf("%.2f", ratio),
			"multiplier":    p.ThresholdMultiplier,
			"lookback_days": p.LookbackDays,
		},
		DedupKey:      fmt.Sprintf("spending_spike:%s:%s", rule.ID, day),
		CooldownUntil: endOfDay(in.Now, loc),
	}}, st, nil
}
