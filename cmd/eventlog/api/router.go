package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog"
	"github.com/gehhilfe/eventlog/readmodel"
)

// requestLogger puts a request scoped logger into the context.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger.With(
				slog.String("requestId", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r.WithContext(slogctx.NewCtx(r.Context(), l)))
		})
	}
}

func NewRouter(node *eventlog.Node, items readmodel.ItemStore, logger *slog.Logger) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Post("/events", SubmitEventHandler(node.Ingress()))
	router.Post("/replay", TriggerReplayHandler(node.Replayer(), node.Subjects().Events))
	router.Get("/items", ListItemsHandler(items))
	router.Get("/streams/{streamId}/events", StreamEventsHandler(node.Store()))
	return router
}
