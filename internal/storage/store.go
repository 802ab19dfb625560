package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"finalarm/internal/config"
	"finalarm/internal/model"
)

// Store persists alerts, rule configuration and rule evaluation state.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status model.Status) error
	LoadAlerts(ctx context.Context) ([]model.Alert, error)
	SaveRule(ctx context.Context, rule model.AlertRule) error
	LoadRules(ctx context.Context) ([]model.AlertRule, error)
	LoadEnabledRules(ctx context.Context) ([]model.AlertRule, error)
	SaveRuleState(ctx context.Context, ruleID string, state *model.RuleState) error
	LoadRuleStates(ctx context.Context) (map[string]*model.RuleState, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// Fixed width keeps stored timestamps sortable as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// baseStore holds the queries both drivers share. Statements are written
// with ? placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) bind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO alerts (id, rule_id, kind, severity, title, body, data_json, dedup_key, status, created_at, cooldown_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		alert.RuleID,
		string(alert.Kind),
		alert.Severity.String(),
		alert.Title,
		alert.Body,
		encodeJSON(alert.Data),
		alert.DedupKey,
		string(alert.Status),
		formatTime(alert.CreatedAt),
		formatTime(alert.CooldownUntil),
	)
	return err
}

func (b *baseStore) UpdateAlertStatus(ctx context.Context, id string, status model.Status) error {
	if b.db == nil {
		return nil
	}
	res, err := b.db.ExecContext(ctx, b.bind(`UPDATE alerts SET status = ? WHERE id = ?`), string(status), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &model.NotFoundError{Entity: "alert", ID: id}
	}
	return nil
}

func (b *baseStore) LoadAlerts(ctx context.Context) ([]model.Alert, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, rule_id, kind, severity, title, body, data_json, dedup_key, status, created_at, cooldown_until
		FROM alerts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var (
			a                       model.Alert
			kind, severity, status  string
			data, created, cooldown string
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &kind, &severity, &a.Title, &a.Body, &data, &a.DedupKey, &status, &created, &cooldown); err != nil {
			return nil, err
		}
		a.Kind = model.RuleKind(kind)
		if a.Severity, err = model.ParseSeverity(severity); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		if a.Status, err = model.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("alert %s: %w", a.ID, err)
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
				return nil, fmt.Errorf("alert %s data: %w", a.ID, err)
			}
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("alert %s created_at: %w", a.ID, err)
		}
		if a.CooldownUntil, err = parseTime(cooldown); err != nil {
			return nil, fmt.Errorf("alert %s cooldown_until: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveRule(ctx context.Context, rule model.AlertRule) error {
	if b.db == nil {
		return nil
	}
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.bind(
		`INSERT INTO rules (id, name, kind, enabled, params_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			enabled = excluded.enabled,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at`),
		rule.ID,
		rule.Name,
		string(rule.Kind),
		rule.Enabled,
		string(params),
		formatTime(nowUTC()),
	)
	return err
}

func (b *baseStore) LoadRules(ctx context.Context) ([]model.AlertRule, error) {
	return b.queryRules(ctx, `SELECT id, name, kind, enabled, params_json FROM rules ORDER BY seq`)
}

func (b *baseStore) LoadEnabledRules(ctx context.Context) ([]model.AlertRule, error) {
	return b.queryRules(ctx, `SELECT id, name, kind, enabled, params_json FROM rules WHERE enabled = TRUE ORDER BY seq`)
}

func (b *baseStore) queryRules(ctx context.Context, query string) ([]model.AlertRule, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		var (
			r            model.AlertRule
			kind, params string
		)
		if err := rows.Scan(&r.ID, &r.Name, &kind, &r.Enabled, &params); err != nil {
			return nil, err
		}
		r.Kind = model.RuleKind(kind)
		if r.Params, err = model.DecodeParams(r.Kind, []byte(params)); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveRuleState(ctx context.Context, ruleID string, state *model.RuleState) error {
	if b.db == nil || state == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.bind(
		`INSERT INTO rule_state (rule_id, state_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (rule_id) DO UPDATE SET
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`),
		ruleID,
		encodeJSON(state),
		formatTime(nowUTC()),
	)
	return err
}

func (b *baseStore) LoadRuleStates(ctx context.Context) (map[string]*model.RuleState, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, `SELECT rule_id, state_json FROM rule_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*model.RuleState)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		st := &model.RuleState{}
		if err := json.Unmarshal([]byte(data), st); err != nil {
			return nil, fmt.Errorf("rule state %s: %w", id, err)
		}
		out[id] = st
	}
	return out, rows.Err()
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
