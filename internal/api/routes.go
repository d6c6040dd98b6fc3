package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/api/handlers"
	"crossarb/internal/api/middleware"
	"crossarb/internal/service"
	"crossarb/pkg/ratelimit"
	"crossarb/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine              handlers.EngineController
	TradeService        service.TradeServiceInterface
	NotificationService service.NotificationServiceInterface

	// WebSocket handler (Hub.ServeWS); nil - маршрут не регистрируется
	WebSocket http.HandlerFunc

	// Metrics по умолчанию promhttp.Handler()
	Metrics http.Handler

	TradingSecretHash string
	AuthLimiter       *ratelimit.Limiter
	AllowedOrigins    []string
	Logger            *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /engine/
//	│   ├── GET / - состояние движка и итоги восстановления
//	│   ├── POST /start - запуск
//	│   └── POST /stop - остановка
//	├── /opportunities/
//	│   ├── GET / - последние найденные возможности
//	│   └── POST / - провести возможность через риск и сагу
//	├── /config/
//	│   ├── GET / - текущая конфигурация
//	│   └── PATCH / - частичное обновление
//	├── GET /stats - снимок статистики
//	├── GET /health - риск открытых позиций
//	├── /balances/
//	│   ├── GET / - балансы площадок
//	│   └── POST /{venue}/deposit - пополнение
//	├── /trades/
//	│   ├── GET / - история (?status, ?limit, ?active=true)
//	│   ├── GET /summary - агрегаты и PnL
//	│   ├── GET /{id} - сделка
//	│   ├── GET /{id}/notifications - события сделки
//	│   └── POST /{id}/close - ручное закрытие
//	└── /notifications/
//	    ├── GET / - журнал
//	    └── DELETE / - очистка
//
// /ws - WebSocket поток (tradeUpdate, notification, opportunity, statsUpdate)
// /metrics - Prometheus
// /healthz - liveness
//
// Middleware: Recovery, Logging, CORS для всех маршрутов;
// TradingAuth для /api/v1.
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.TradingAuth(deps.TradingSecretHash, deps.AuthLimiter, deps.Logger))

	if deps.Engine != nil {
		engineHandler := handlers.NewEngineHandler(deps.Engine)

		api.HandleFunc("/engine", engineHandler.GetStatus).Methods("GET")
		api.HandleFunc("/engine/start", engineHandler.Start).Methods("POST")
		api.HandleFunc("/engine/stop", engineHandler.Stop).Methods("POST")

		api.HandleFunc("/opportunities", engineHandler.GetOpportunities).Methods("GET")
		api.HandleFunc("/opportunities", engineHandler.ProcessOpportunity).Methods("POST")

		api.HandleFunc("/config", engineHandler.GetConfig).Methods("GET")
		api.HandleFunc("/config", engineHandler.UpdateConfig).Methods("PATCH")

		api.HandleFunc("/stats", engineHandler.GetStats).Methods("GET")
		api.HandleFunc("/health", engineHandler.GetHealth).Methods("GET")

		api.HandleFunc("/balances", engineHandler.GetBalances).Methods("GET")
		api.HandleFunc("/balances/{venue}/deposit", engineHandler.Deposit).Methods("POST")
	}

	// Trade routes
	if deps.TradeService != nil && deps.Engine != nil {
		tradeHandler := handlers.NewTradeHandler(deps.TradeService, deps.Engine)

		api.HandleFunc("/trades", tradeHandler.ListTrades).Methods("GET")
		api.HandleFunc("/trades/summary", tradeHandler.GetSummary).Methods("GET")
		api.HandleFunc("/trades/{id}", tradeHandler.GetTrade).Methods("GET")
		api.HandleFunc("/trades/{id}/close", tradeHandler.CloseTrade).Methods("POST")
	}

	// Notification routes
	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)

		api.HandleFunc("/notifications", notificationHandler.GetNotifications).Methods("GET")
		api.HandleFunc("/notifications", notificationHandler.ClearNotifications).Methods("DELETE")
		api.HandleFunc("/trades/{id}/notifications", notificationHandler.GetTradeNotifications).Methods("GET")
	}

	if deps.WebSocket != nil {
		router.HandleFunc("/ws", deps.WebSocket).Methods("GET")
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.Handle("/metrics", metrics).Methods("GET")

	// preflight не совпадает по методу ни с одним маршрутом, его отвечает CORS
	router.MethodNotAllowedHandler = middleware.CORS(deps.AllowedOrigins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
