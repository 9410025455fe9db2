package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"powersave/backend/services/savings-service/internal/http/handlers"
)

// RouterDeps collects handler dependencies.
type RouterDeps struct {
	Sessions *handlers.SessionsHandlers
	Wallet   *handlers.WalletHandlers
	Internal *handlers.InternalHandlers
	Health   http.HandlerFunc
	Metrics  http.Handler

	Auth         func(http.Handler) http.Handler
	InternalAuth func(http.Handler) http.Handler
	CORSOrigins  []string
}

// NewRouter wires HTTP routes with middleware.
func NewRouter(deps RouterDeps) http.Handler {
	router := mux.NewRouter()

	if deps.Health != nil {
		router.HandleFunc("/health", deps.Health).Methods(http.MethodGet)
	}
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	if deps.Auth != nil {
		api.Use(deps.Auth)
	}

	if s := deps.Sessions; s != nil {
		api.HandleFunc("/sessions", s.Schedule).Methods(http.MethodPost)
		api.HandleFunc("/sessions", s.List).Methods(http.MethodGet)
		api.HandleFunc("/sessions/stats", s.Stats).Methods(http.MethodGet)
		api.HandleFunc("/sessions/active", s.Active).Methods(http.MethodGet)
		api.HandleFunc("/sessions/{id}", s.Get).Methods(http.MethodGet)
		api.HandleFunc("/sessions/{id}/start", s.Start).Methods(http.MethodPost)
		api.HandleFunc("/sessions/{id}/complete", s.Complete).Methods(http.MethodPost)
		api.HandleFunc("/sessions/{id}/cancel", s.Cancel).Methods(http.MethodPost)
		api.HandleFunc("/savings/projection", s.Projection).Methods(http.MethodGet)
	}

	if wh := deps.Wallet; wh != nil {
		api.HandleFunc("/wallet", wh.Balance).Methods(http.MethodGet)
		api.HandleFunc("/wallet/transactions", wh.Transactions).Methods(http.MethodGet)
		api.HandleFunc("/wallet/pay", wh.Pay).Methods(http.MethodPost)
		api.HandleFunc("/wallet/donate", wh.Donate).Methods(http.MethodPost)
		api.HandleFunc("/wallet/summary", wh.Summary).Methods(http.MethodGet)
		api.HandleFunc("/wallet/coverage", wh.Coverage).Methods(http.MethodGet)
	}

	if ih := deps.Internal; ih != nil {
		internal := router.PathPrefix("/internal").Subrouter()
		if deps.InternalAuth != nil {
			internal.Use(deps.InternalAuth)
		}
		internal.HandleFunc("/wallet/credit", ih.Credit).Methods(http.MethodPost)
		internal.HandleFunc("/consumption", ih.RecordConsumption).Methods(http.MethodPost)
	}

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)
}
