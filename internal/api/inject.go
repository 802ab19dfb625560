package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finalarm/internal/model"
)

// Synthetic injection for trying rules out without a bank feed. Mounted only
// when api.test_endpoints is set.

type testTransactionRequest struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Merchant    string          `json:"merchant"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Timestamp   *time.Time      `json:"timestamp"`
}

func (s *Server) handleTestTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req testTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, &model.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if req.Amount.IsZero() {
		writeError(w, &model.ValidationError{Field: "amount", Reason: "required"})
		return
	}
	tx := model.Transaction{
		ID:          strings.TrimSpace(req.ID),
		Amount:      req.Amount,
		Merchant:    strings.TrimSpace(req.Merchant),
		Category:    strings.TrimSpace(req.Category),
		Description: req.Description,
	}
	if tx.ID == "" {
		tx.ID = "test-" + uuid.NewString()
	}
	if tx.Merchant == "" {
		tx.Merchant = "Test Merchant"
	}
	if tx.Category == "" {
		tx.Category = "Other"
	}
	if req.Timestamp != nil {
		tx.Timestamp = req.Timestamp.UTC()
	}
	added, created, err := s.engine.IngestTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": tx.ID,
		"added":          added,
		"alerts":         created,
	})
}

func (s *Server) handleTestBalance(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Balance == nil {
		writeError(w, &model.ValidationError{Field: "balance", Reason: "decimal required"})
		return
	}
	created, err := s.engine.UpdateBalance(r.Context(), model.AccountState{Balance: *req.Balance})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": req.Balance.StringFixed(2),
		"alerts":  created,
	})
}
