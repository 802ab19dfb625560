package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finalarm/internal/model"
)

func lowBalance(id string, threshold int64) model.AlertRule {
	return model.AlertRule{
		ID: id, Name: id, Kind: model.KindLowBalance, Enabled: true,
		Params: model.LowBalanceParams{Threshold: decimal.NewFromInt(threshold)},
	}
}

func TestRegistryKeepsConfigurationOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(lowBalance(id, 100)))
	}
	var ids []string
	for _, rule := range r.Rules() {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRegistryRejectsInvalidAndDuplicate(t *testing.T) {
	r := NewRegistry()
	assert.True(t, model.IsValidation(r.Add(lowBalance("x", 0))))
	require.NoError(t, r.Add(lowBalance("x", 10)))
	assert.True(t, model.IsValidation(r.Add(lowBalance("x", 10))))
}

func TestSetEnabledMovesSinceOnReenable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(lowBalance("x", 10)))
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, changed, err := r.SetEnabled("x", false, since)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, r.Enabled())
	assert.True(t, r.State("x").Since.IsZero())

	_, changed, err = r.SetEnabled("x", true, since)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, since, r.State("x").Since)

	_, changed, err = r.SetEnabled("x", true, since.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, since, r.State("x").Since)
}

func TestUnknownRuleIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.SetEnabled("nope", true, time.Time{})
	assert.True(t, model.IsNotFound(err))
	_, err = r.UpdateParams("nope", model.LowBalanceParams{Threshold: decimal.NewFromInt(1)})
	assert.True(t, model.IsNotFound(err))
	_, err = r.Get("nope")
	assert.True(t, model.IsNotFound(err))
}

func TestUpdateParamsValidates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(lowBalance("x", 10)))
	_, err := r.UpdateParams("x", model.LargeTransactionParams{ThresholdAmount: decimal.NewFromInt(5)})
	assert.True(t, model.IsValidation(err))

	rule, err := r.UpdateParams("x", model.LowBalanceParams{Threshold: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "50", rule.Params.(model.LowBalanceParams).Threshold.String())
}

func TestUpdateCategoryResetsMonthMarker(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(model.AlertRule{
		ID: "food", Kind: model.KindCategoryLimit, Enabled: true,
		Params: model.CategoryLimitParams{Category: "Restaurants", MonthlyLimit: decimal.NewFromInt(100)},
	}))
	r.CommitState("food", &model.RuleState{CategoryLimit: &model.CategoryLimitState{LastFiredMonth: "2025-03"}})

	_, err := r.UpdateParams("food", model.CategoryLimitParams{Category: "restaurants", MonthlyLimit: decimal.NewFromInt(200)})
	require.NoError(t, err)
	assert.NotNil(t, r.State("food").CategoryLimit)

	_, err = r.UpdateParams("food", model.CategoryLimitParams{Category: "Groceries", MonthlyLimit: decimal.NewFromInt(200)})
	require.NoError(t, err)
	assert.Nil(t, r.State("food").CategoryLimit)
}

func TestUpdateParamsRejectsPointerParams(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(model.AlertRule{
		ID: "food", Kind: model.KindCategoryLimit, Enabled: true,
		Params: model.CategoryLimitParams{Category: "Restaurants", MonthlyLimit: decimal.NewFromInt(100)},
	}))
	assert.NotPanics(t, func() {
		_, err := r.UpdateParams("food", &model.CategoryLimitParams{Category: "Groceries", MonthlyLimit: decimal.NewFromInt(200)})
		assert.True(t, model.IsValidation(err))
	})
	rule, err := r.Get("food")
	require.NoError(t, err)
	assert.Equal(t, "Restaurants", rule.Params.(model.CategoryLimitParams).Category)
}

func TestStateIsolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(lowBalance("a", 10)))
	require.NoError(t, r.Add(lowBalance("b", 10)))
	r.CommitState("a", &model.RuleState{LowBalance: &model.LowBalanceState{Active: true}})

	st := r.State("a")
	st.LowBalance.Active = false
	assert.True(t, r.State("a").LowBalance.Active)
	assert.Nil(t, r.State("b").LowBalance)
}

func TestLoadStatesIgnoresUnknownRules(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(lowBalance("a", 10)))
	n := r.LoadStates(map[string]*model.RuleState{
		"a":    {LowBalance: &model.LowBalanceState{Active: true}},
		"gone": {},
	})
	assert.Equal(t, 1, n)
	assert.True(t, r.State("a").LowBalance.Active)
}
