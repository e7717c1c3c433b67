package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinarb/internal/api/handlers"
	"coinarb/internal/api/middleware"
	"coinarb/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	VenueService handlers.VenueServiceInterface
	TradeService handlers.TradeServiceInterface

	NotificationService handlers.NotificationServiceInterface

	// Stream - обработчик /ws/stream (websocket.Hub.ServeWS)
	Stream http.HandlerFunc

	// TokenHash - bcrypt-хеш bearer-токена; пусто - без аутентификации
	TokenHash string

	// CORSOrigins - дополнительные разрешённые origins через запятую
	CORSOrigins string

	Logger *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/health                          - проверка живости (без auth)
//	/metrics                         - prometheus (без auth)
//	/api/v1/
//	├── GET /venues                  - агенты бирж
//	├── GET /venues/{name}/balances  - балансы и резервы
//	├── GET /trades                  - журнал сделок
//	├── GET /trades/unmatched        - непарные ноги
//	├── GET /trades/{id}             - ноги сделки
//	└── GET /notifications           - журнал оповещений
//	/ws/stream                       - события балансов, сделок и уведомлений
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только /api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	// Глобальные middleware
	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.CORSOrigins))

	auth := middleware.Auth(deps.TokenHash)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	if deps.VenueService != nil {
		venueHandler := handlers.NewVenueHandler(deps.VenueService)
		api.HandleFunc("/venues", venueHandler.GetVenues).Methods("GET")
		api.HandleFunc("/venues/{name}/balances", venueHandler.GetVenueBalances).Methods("GET")
	}

	if deps.TradeService != nil {
		tradeHandler := handlers.NewTradeHandler(deps.TradeService)
		api.HandleFunc("/trades", tradeHandler.GetTrades).Methods("GET")
		api.HandleFunc("/trades/unmatched", tradeHandler.GetUnmatched).Methods("GET")
		api.HandleFunc("/trades/{id}", tradeHandler.GetTrade).Methods("GET")
	}

	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
	}

	if deps.Stream != nil {
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(auth)
		ws.HandleFunc("/stream", deps.Stream).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
