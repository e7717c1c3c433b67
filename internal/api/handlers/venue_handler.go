package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"coinarb/internal/service"
)

// VenueHandler обрабатывает HTTP запросы о биржах.
//
// Endpoints:
// - GET /api/v1/venues - агенты бирж и их состояние
// - GET /api/v1/venues/{name}/balances - балансы с учётом резервов
type VenueHandler struct {
	venueService VenueServiceInterface
}

// NewVenueHandler создает новый VenueHandler с внедрением зависимостей.
func NewVenueHandler(venueService VenueServiceInterface) *VenueHandler {
	return &VenueHandler{venueService: venueService}
}

// GetVenues возвращает список бирж.
//
// GET /api/v1/venues
//
// Response 200 OK:
//
//	[{"name": "bitbankcc", "state": "ACTIVE", "state_info": "Агент торгует", "balances_fresh": true, "debug": false}]
func (h *VenueHandler) GetVenues(w http.ResponseWriter, r *http.Request) {
	if h.venueService == nil {
		writeError(w, http.StatusInternalServerError, "venue service not initialized", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.venueService.ListVenues())
}

// GetVenueBalances возвращает балансы биржи.
//
// GET /api/v1/venues/{name}/balances
//
// Response 200 OK:
//
//	[{"currency": "JPY", "total": 1000, "used": 0, "reserved": 120, "locked": 0, "free": 880, "outstanding": 120}]
//
// Response 404 Not Found:
//
//	{"error": "venue not found"}
func (h *VenueHandler) GetVenueBalances(w http.ResponseWriter, r *http.Request) {
	if h.venueService == nil {
		writeError(w, http.StatusInternalServerError, "venue service not initialized", nil)
		return
	}

	name := mux.Vars(r)["name"]
	balances, err := h.venueService.Balances(name)
	if err != nil {
		if errors.Is(err, service.ErrVenueNotFound) {
			writeError(w, http.StatusNotFound, "venue not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}
