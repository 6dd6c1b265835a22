package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mcoot/lobbymesh/internal/api/apierr"
	"github.com/mcoot/lobbymesh/internal/api/handler"
	"github.com/mcoot/lobbymesh/internal/coordinator"
	"github.com/mcoot/lobbymesh/internal/middleware"
)

// RouterConfig holds configuration for the API router
type RouterConfig struct {
	Logger      *slog.Logger
	Coordinator *coordinator.Coordinator
	// WebSocket serves client connections on /ws
	WebSocket http.Handler
}

// NewRouter creates a new API router with all routes configured
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()

	healthHandler := handler.NewHealthHandler(cfg.Coordinator)
	roomHandler := handler.NewRoomHandler(cfg.Coordinator, cfg.Logger)

	loggingMiddleware := middleware.Logging(cfg.Logger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(loggingMiddleware)
	api.Use(middleware.Recovery(cfg.Logger, apiPanicHandler))
	api.Use(draining(cfg.Coordinator))

	api.HandleFunc("/health", healthHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/rooms", roomHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{code}", roomHandler.Get).Methods(http.MethodGet)

	if cfg.WebSocket != nil {
		ws := loggingMiddleware(middleware.Recovery(cfg.Logger, middleware.DefaultPanicHandler)(cfg.WebSocket))
		r.Handle("/ws", ws).Methods(http.MethodGet)
	}

	return r
}

// draining answers 503 once the coordinator has shut down
func draining(coord *coordinator.Coordinator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if coord.Closed() {
				apierr.WriteError(w, apierr.NewShuttingDownError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiPanicHandler(w http.ResponseWriter, _ *http.Request, _ any) {
	apierr.WriteError(w, apierr.NewInternalError())
}
