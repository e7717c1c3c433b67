package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"coinarb/internal/models"
	"coinarb/internal/repository"
	"coinarb/internal/service"
)

// TradeHandler обрабатывает HTTP запросы к журналу сделок.
//
// Endpoints:
// - GET /api/v1/trades?instrument=XRP_JPY&limit=50 - последние ноги
// - GET /api/v1/trades/unmatched?window=24h - непарные ноги
// - GET /api/v1/trades/{id} - ноги одной сделки
type TradeHandler struct {
	tradeService TradeServiceInterface
}

// NewTradeHandler создает новый TradeHandler с внедрением зависимостей.
func NewTradeHandler(tradeService TradeServiceInterface) *TradeHandler {
	return &TradeHandler{tradeService: tradeService}
}

// GetTrades возвращает последние ноги сделок.
//
// GET /api/v1/trades
//
// Query Parameters:
// - instrument (optional): фильтр по инструменту
// - limit (optional): количество записей (по умолчанию 50, максимум 500)
func (h *TradeHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	if h.tradeService == nil {
		writeError(w, http.StatusInternalServerError, "trade service not initialized", nil)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = parsed
	}

	legs, err := h.tradeService.Recent(r.Context(), r.URL.Query().Get("instrument"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeLegs(w, legs)
}

// GetTrade возвращает ноги сделки.
//
// GET /api/v1/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	if h.tradeService == nil {
		writeError(w, http.StatusInternalServerError, "trade service not initialized", nil)
		return
	}

	legs, err := h.tradeService.Trade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeLegs(w, legs)
}

// GetUnmatched возвращает ноги без пары.
//
// GET /api/v1/trades/unmatched?window=24h
func (h *TradeHandler) GetUnmatched(w http.ResponseWriter, r *http.Request) {
	if h.tradeService == nil {
		writeError(w, http.StatusInternalServerError, "trade service not initialized", nil)
		return
	}

	var window time.Duration
	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		parsed, err := time.ParseDuration(windowStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window", err)
			return
		}
		window = parsed
	}

	legs, err := h.tradeService.Unmatched(r.Context(), window)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeLegs(w, legs)
}

func (h *TradeHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrTradeNotFound):
		writeError(w, http.StatusNotFound, "trade not found", nil)
	case errors.Is(err, service.ErrJournalDisabled):
		writeError(w, http.StatusServiceUnavailable, "trade journal disabled", nil)
	default:
		writeError(w, http.StatusInternalServerError, "failed to read trade journal", err)
	}
}

// writeLegs отдаёт [] вместо null для пустого результата
func writeLegs(w http.ResponseWriter, legs []*models.TradeLeg) {
	if legs == nil {
		legs = []*models.TradeLeg{}
	}
	writeJSON(w, http.StatusOK, legs)
}
