package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"coinarb/internal/service"
)

// ============ VenueHandler Tests ============

func TestVenueHandler_GetVenues(t *testing.T) {
	t.Run("returns venues", func(t *testing.T) {
		handler := NewVenueHandler(&MockVenueService{
			venues: []service.VenueInfo{{Name: "bitbankcc", State: "ACTIVE", StateInfo: "Агент торгует", BalancesFresh: true}},
		})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/venues", nil)
		w := httptest.NewRecorder()
		handler.GetVenues(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var response []service.VenueInfo
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response) != 1 || response[0].Name != "bitbankcc" || !response[0].BalancesFresh || response[0].StateInfo != "Агент торгует" {
			t.Errorf("unexpected response: %+v", response)
		}
	})

	t.Run("returns 500 when service is nil", func(t *testing.T) {
		handler := &VenueHandler{}

		w := httptest.NewRecorder()
		handler.GetVenues(w, httptest.NewRequest(http.MethodGet, "/api/v1/venues", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})
}

func TestVenueHandler_GetVenueBalances(t *testing.T) {
	mockSvc := &MockVenueService{
		balances: map[string][]service.CurrencyBalance{
			"bitbankcc": {{Currency: "JPY", Total: 1000, Reserved: 120, Free: 880, Outstanding: 120}},
		},
	}
	handler := NewVenueHandler(mockSvc)

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/venues/{name}/balances", handler.GetVenueBalances)

	tests := []struct {
		name       string
		venue      string
		wantStatus int
	}{
		{"known venue", "bitbankcc", http.StatusOK},
		{"unknown venue", "nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/venues/"+tt.venue+"/balances", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var response []service.CurrencyBalance
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(response) != 1 || response[0].Free != 880 || response[0].Outstanding != 120 {
				t.Errorf("unexpected response: %+v", response)
			}
		})
	}
}
