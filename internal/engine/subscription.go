package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finalarm/internal/model"
)

// amountTolerance is the relative distance from a cluster's anchor amount
// within which a debit still belongs to the cluster.
var amountTolerance = decimal.NewFromFloat(0.01)

type cluster struct {
	merchant string
	display  string
	anchor   decimal.Decimal
	entries  []model.Transaction
}

func (c *cluster) matches(amount decimal.Decimal) bool {
	return amount.Sub(c.anchor).Abs().LessThanOrEqual(c.anchor.Mul(amountTolerance))
}

func (c *cluster) key() string {
	return c.merchant + "|" + c.anchor.StringFixed(2)
}

// run returns the first run of minOccurrences entries whose consecutive gaps
// are all within maxGap.
func (c *cluster) run(minOccurrences int, maxGap time.Duration) []model.Transaction {
	start := 0
	for i := 1; i < len(c.entries); i++ {
		if c.entries[i].Timestamp.Sub(c.entries[i-1].Timestamp) > maxGap {
			start = i
			continue
		}
		if i-start+1 >= minOccurrences {
			return c.entries[start : i+1]
		}
	}
	return nil
}

func merchantKey(m string) string {
	return strings.Join(strings.Fields(strings.ToLower(m)), " ")
}

// buildClusters groups debits by merchant and approximate amount. Entries are
// assigned in ingestion order, so a cluster's anchor is its earliest-ingested
// debit and a late back-dated posting cannot move it. Each cluster's entries
// end up in booking order.
func buildClusters(txns []model.Transaction) []*cluster {
	ordered := make([]model.Transaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].IngestedAt.Before(ordered[j].IngestedAt)
	})
	var out []*cluster
	byMerchant := make(map[string][]*cluster)
	for _, tx := range ordered {
		if !tx.IsDebit() {
			continue
		}
		key := merchantKey(tx.Merchant)
		if key == "" {
			continue
		}
		amount := tx.Spend()
		var target *cluster
		for _, c := range byMerchant[key] {
			if c.matches(amount) {
				target = c
				break
			}
		}
		if target == nil {
			target = &cluster{merchant: key, display: strings.TrimSpace(tx.Merchant), anchor: amount}
			byMerchant[key] = append(byMerchant[key], target)
			out = append(out, target)
		}
		target.entries = append(target.entries, tx)
	}
	for _, c := range out {
		sort.SliceStable(c.entries, func(i, j int) bool {
			return c.entries[i].Timestamp.Before(c.entries[j].Timestamp)
		})
	}
	return out
}

// reported reports whether a cluster for the same merchant with an amount
// within tolerance was already announced. Anchors can differ after a restart
// replays transactions in another order.
func reported(st *model.NewSubscriptionState, c *cluster) bool {
	for _, k := range st.Reported {
		i := strings.LastIndex(k, "|")
		if i < 0 || k[:i] != c.merchant {
			continue
		}
		amount, err := decimal.NewFromString(k[i+1:])
		if err != nil {
			continue
		}
		if amount.Sub(c.anchor).Abs().LessThanOrEqual(amount.Mul(amountTolerance)) {
			return true
		}
	}
	return false
}

func evalNewSubscription(rule model.AlertRule, p model.NewSubscriptionParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.NewSubscription == nil {
		st.NewSubscription = &model.NewSubscriptionState{}
	}
	maxGap := time.Duration(p.MaxDaysBetween) * 24 * time.Hour
	var out []model.Candidate
	for _, c := range buildClusters(in.Transactions) {
		run := c.run(p.MinOccurrences, maxGap)
		if run == nil {
			continue
		}
		if reported(st.NewSubscription, c) {
			continue
		}
		st.NewSubscription.Reported = append(st.NewSubscription.Reported, c.key())

		var completed time.Time
		for _, tx := range run {
			if tx.IngestedAt.After(completed) {
				completed = tx.IngestedAt
			}
		}
		if !st.Since.IsZero() && !completed.After(st.Since) {
			continue
		}
		first, last := run[0], run[len(run)-1]
		interval := last.Timestamp.Sub(first.Timestamp).Hours() / 24 / float64(len(run)-1)
		out = append(out, model.Candidate{
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Severity: model.SeverityInfo,
			Title:    "New Subscription Detected",
			Body:     fmt.Sprintf("Recurring payment detected: %s - %s", c.display, money(c.anchor)),
			Data: map[string]any{
				"merchant":      c.display,
				"amount":        c.anchor.StringFixed(2),
				"occurrences":   len(run),
				"interval_days": fmt.Sprintf("%.1f", interval),
				"first_seen":    first.Timestamp.UTC().Format(time.RFC3339),
				"last_seen":     last.Timestamp.UTC().Format(time.RFC3339),
			},
			DedupKey:      fmt.Sprintf("new_subscription:%s:%s:%s", rule.ID, c.merchant, c.anchor.StringFixed(2)),
			CooldownUntil: in.Now.Add(maxGap),
		})
	}
	return out, st, nil
}
