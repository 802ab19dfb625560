package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"

	"finalarm/internal/config"
	"finalarm/internal/engine"
	"finalarm/internal/model"
	"finalarm/internal/notify"
)

// Engine is the part of *engine.Engine the HTTP surface drives.
type Engine interface {
	Status() engine.Status
	Account() model.AccountState
	Transactions(limit int) []model.Transaction
	CategorySpend() map[string]decimal.Decimal
	EvaluateNow(ctx context.Context) ([]model.Alert, error)
	ListAlerts(filter model.AlertFilter) []model.Alert
	GetAlert(id string) (model.Alert, error)
	MarkRead(ctx context.Context, id string) (model.Alert, error)
	Dismiss(ctx context.Context, id string) (model.Alert, error)
	ListRules() []model.AlertRule
	GetRule(id string) (model.AlertRule, error)
	SetRuleEnabled(ctx context.Context, id string, enabled bool) (model.AlertRule, error)
	UpdateRuleParams(ctx context.Context, id string, params model.Params) (model.AlertRule, error)
	IngestTransaction(ctx context.Context, tx model.Transaction) (bool, []model.Alert, error)
	UpdateBalance(ctx context.Context, state model.AccountState) ([]model.Alert, error)
	Subscribe(ch notify.Channel) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	logger  *slog.Logger
	version string
	router  chi.Router
}

func NewServer(cfg *config.Manager, eng Engine, logger *slog.Logger, version string) *Server {
	s := &Server{cfg: cfg, engine: eng, logger: logger, version: version}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func Start(ctx context.Context, cfg *config.Manager, eng Engine, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr, "test_endpoints", current.TestEndpoints)
	}
	server := NewServer(cfg, eng, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) routes() chi.Router {
	current := s.cfg.Get().API
	origins := current.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/account", s.handleAccount)
		r.Get("/transactions", s.handleTransactions)
		r.Post("/evaluate", s.handleEvaluate)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleAlerts)
			r.Get("/{id}", s.handleAlert)
			r.Post("/{id}/read", s.handleMarkRead)
			r.Post("/{id}/dismiss", s.handleDismiss)
		})
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleRules)
			r.Get("/{id}", s.handleRule)
			r.Put("/{id}/enabled", s.handleRuleEnabled)
			r.Put("/{id}/params", s.handleRuleParams)
		})

		r.Get("/ws", s.handleWebSocket)
		r.Get("/events", s.handleEvents)

		if current.TestEndpoints {
			r.Route("/test", func(r chi.Router) {
				r.Post("/transaction", s.handleTestTransaction)
				r.Post("/balance", s.handleTestBalance)
			})
		}
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.logger != nil {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}
	})
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Timezone   string        `json:"timezone"`
	Ingest     ingestStatus  `json:"ingest"`
	Engine     engine.Status `json:"engine"`
}

type ingestStatus struct {
	REST       bool `json:"rest"`
	Kafka      bool `json:"kafka"`
	FileSource bool `json:"file_source"`
	FileTail   bool `json:"file_tail"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Timezone:   cfg.Timezone,
		Ingest: ingestStatus{
			REST:       cfg.Ingest.REST.Enabled,
			Kafka:      cfg.Ingest.Kafka.Enabled,
			FileSource: cfg.Ingest.FileSource.Enabled,
			FileTail:   cfg.Ingest.FileTail.Enabled,
		},
		Engine: s.engine.Status(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, _ *http.Request) {
	spend := s.engine.CategorySpend()
	out := make(map[string]string, len(spend))
	for cat, total := range spend {
		out[cat] = total.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":        s.engine.Account(),
		"category_spend": out,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	list := s.engine.Transactions(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": list,
		"count":        len(list),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	created, err := s.engine.EvaluateNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": created,
		"count":  len(created),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list := s.engine.ListAlerts(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func alertFilter(r *http.Request) (model.AlertFilter, error) {
	q := r.URL.Query()
	var f model.AlertFilter
	if v := q.Get("status"); v != "" {
		st, err := model.ParseStatus(strings.ToUpper(v))
		if err != nil {
			return f, &model.ValidationError{Field: "status", Reason: err.Error()}
		}
		f.Status = st
	}
	f.RuleID = q.Get("rule_id")
	if v := q.Get("severity"); v != "" {
		sev, err := model.ParseSeverity(strings.ToUpper(v))
		if err != nil {
			return f, &model.ValidationError{Field: "severity", Reason: err.Error()}
		}
		f.Severity = &sev
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, &model.ValidationError{Field: "since", Reason: "must be RFC 3339"}
		}
		f.Since = ts
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.GetAlert(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.Dismiss(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.ListRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) handleRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleRuleEnabled(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Enabled == nil {
		writeError(w, &model.ValidationError{Field: "enabled", Reason: "boolean required"})
		return
	}
	rule, err := s.engine.SetRuleEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleRuleParams takes the bare params object for the rule's kind.
func (s *Server) handleRuleParams(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.engine.GetRule(id)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	params, err := model.DecodeParams(rule.Kind, body)
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err = s.engine.UpdateRuleParams(r.Context(), id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &model.ValidationError{Field: key, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return nil, &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	return body, nil
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsValidation(err):
		status = http.StatusBadRequest
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case model.IsTransition(err):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
