package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gehhilfe/eventlog"
)

const maxBodySize = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// POST /events
func SubmitEventHandler(ingress *eventlog.Ingress) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		submission, err := eventlog.ParseSubmission(body)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := ingress.Submit(r.Context(), submission); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// GET /streams/{streamId}/events?from=N
func StreamEventsHandler(store *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamId := chi.URLParam(r, "streamId")

		var from int64
		if v := r.URL.Query().Get("from"); v != "" {
			var err error
			from, err = strconv.ParseInt(v, 10, 64)
			if err != nil || from < 0 {
				http.Error(w, "Bad request", http.StatusBadRequest)
				return
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		encoder := json.NewEncoder(w)
		for event, err := range store.Follow(r.Context(), streamId, from) {
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
				flusher.Flush()
				return
			}

			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: ", event.EventId, event.Type)
			encoder.Encode(eventlog.FromEvent(event))
			fmt.Fprint(w, "\n") // Only one newline is needed, because the encoder already adds one
			flusher.Flush()
		}
	}
}
