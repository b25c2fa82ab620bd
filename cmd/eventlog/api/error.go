package api

import (
	"errors"
	"log/slog"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog"
)

// writeError answers validation errors with 400 and hides everything else
// behind a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *eventlog.ValidationError
	if errors.As(err, &validationErr) {
		http.Error(w, validationErr.Error(), http.StatusBadRequest)
		return
	}
	slogctx.FromCtx(r.Context()).Error("request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}
