package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"finalarm/internal/account"
	"finalarm/internal/alerts"
	"finalarm/internal/config"
	"finalarm/internal/engine"
	"finalarm/internal/model"
	"finalarm/internal/notify"
	"finalarm/internal/rules"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, testEndpoints bool) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.TestEndpoints = testEndpoints
	clock := func() time.Time { return testNow }
	eng := engine.NewEngine(cfg, nil,
		account.NewStore(clock),
		rules.NewRegistry(),
		alerts.NewStore(nil),
		notify.NewDispatcher(time.Second, nil),
		nil,
	).WithClock(clock)
	require.NoError(t, eng.Bootstrap(context.Background(), config.DefaultRules()))
	return NewServer(config.NewStaticManager(cfg), eng, nil, "test")
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type alertsResponse struct {
	Alerts []model.Alert `json:"alerts"`
	Count  int           `json:"count"`
}

func TestStatusAndHealth(t *testing.T) {
	h := newTestServer(t, false).Handler()
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusResponse](t, rec)
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 6, st.Engine.Rules)
	assert.True(t, st.Ingest.REST)
}

func TestTestEndpointsAreOptIn(t *testing.T) {
	h := newTestServer(t, false).Handler()
	rec := do(t, h, http.MethodPost, "/api/test/balance", `{"balance":"100"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalanceAlertLifecycle(t *testing.T) {
	h := newTestServer(t, true).Handler()

	rec := do(t, h, http.MethodPost, "/api/test/balance", `{"balance":"450.00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decode[alertsResponse](t, rec)
	require.Len(t, created.Alerts, 1)
	alert := created.Alerts[0]
	assert.Equal(t, "low-balance", alert.RuleID)
	assert.Equal(t, model.SeverityCritical, alert.Severity)

	rec = do(t, h, http.MethodPost, "/api/test/balance", `{"balance":"300.00"}`)
	assert.Empty(t, decode[alertsResponse](t, rec).Alerts)

	list := decode[alertsResponse](t, do(t, h, http.MethodGet, "/api/alerts?severity=critical&status=new", ""))
	assert.Equal(t, 1, list.Count)

	rec = do(t, h, http.MethodGet, "/api/alerts/"+alert.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/alerts/"+alert.ID+"/dismiss", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusDismissed, decode[model.Alert](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/api/alerts/"+alert.ID+"/read", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/alerts/missing/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertQueryValidation(t *testing.T) {
	h := newTestServer(t, false).Handler()
	for _, q := range []string{"status=bogus", "severity=loud", "limit=-1", "since=yesterday"} {
		rec := do(t, h, http.MethodGet, "/api/alerts?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestLargeTestTransaction(t *testing.T) {
	h := newTestServer(t, true).Handler()
	rec := do(t, h, http.MethodPost, "/api/test/transaction", `{"amount":"-2500.00","merchant":"Takealot"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		TransactionID string        `json:"transaction_id"`
		Added         bool          `json:"added"`
		Alerts        []model.Alert `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Added)
	assert.True(t, strings.HasPrefix(resp.TransactionID, "test-"))
	require.Len(t, resp.Alerts, 1)
	assert.Equal(t, model.KindLargeTransaction, resp.Alerts[0].Kind)

	txns := decode[struct {
		Count int `json:"count"`
	}](t, do(t, h, http.MethodGet, "/api/transactions?limit=10", ""))
	assert.Equal(t, 1, txns.Count)

	acct := decode[struct {
		CategorySpend map[string]string `json:"category_spend"`
	}](t, do(t, h, http.MethodGet, "/api/account", ""))
	assert.Equal(t, "2500.00", acct.CategorySpend["Other"])

	rec = do(t, h, http.MethodPost, "/api/test/transaction", `{"merchant":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	h := newTestServer(t, false).Handler()

	ruleList := decode[struct {
		Rules []model.AlertRule `json:"rules"`
		Count int               `json:"count"`
	}](t, do(t, h, http.MethodGet, "/api/rules", ""))
	assert.Equal(t, 6, ruleList.Count)

	rec := do(t, h, http.MethodPut, "/api/rules/low-balance/enabled", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.AlertRule](t, rec).Enabled)

	rec = do(t, h, http.MethodPut, "/api/rules/low-balance/enabled", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/rules/low-balance/params", `{"threshold":"250.00"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	params, ok := decode[model.AlertRule](t, rec).Params.(model.LowBalanceParams)
	require.True(t, ok)
	assert.Equal(t, "250", params.Threshold.String())

	for _, body := range []string{`{"threshold":"-1"}`, `{"threshold":"1","extra":true}`} {
		rec = do(t, h, http.MethodPut, "/api/rules/low-balance/params", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec = do(t, h, http.MethodPut, "/api/rules/nope/params", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/rules/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	h := newTestServer(t, false).Handler()
	rec := do(t, h, http.MethodPost, "/api/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[alertsResponse](t, rec).Count)
}

func TestWebSocketSubscriber(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, true).Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	resp, err := http.Post(srv.URL+"/api/test/balance", "application/json", strings.NewReader(`{"balance":"10"}`))
	require.NoError(t, err)
	resp.Body.Close()

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var msg notify.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "new_alert", msg.Type)
	assert.Equal(t, "low-balance", msg.Alert.RuleID)
}

func TestEventStreamSubscriber(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, true).Handler())
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first := nextData(t, lines)
	assert.Contains(t, first, `"connected"`)

	post, err := http.Post(srv.URL+"/api/test/transaction", "application/json", strings.NewReader(`{"amount":"-5000","merchant":"Makro"}`))
	require.NoError(t, err)
	post.Body.Close()

	var msg notify.Message
	require.NoError(t, json.Unmarshal([]byte(nextData(t, lines)), &msg))
	assert.Equal(t, "new_alert", msg.Type)
	assert.Equal(t, model.KindLargeTransaction, msg.Alert.Kind)
}

func nextData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}
