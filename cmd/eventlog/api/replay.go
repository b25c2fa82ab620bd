package api

import (
	"net/http"

	"github.com/gehhilfe/eventlog"
)

// POST /replay
//
// Requests always target the projection subject; clients cannot pick one.
func TriggerReplayHandler(replayer *eventlog.Replayer, target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		req, err := eventlog.ParseReplayRequest(body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.Target = target

		if err := replayer.Trigger(r.Context(), req); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
