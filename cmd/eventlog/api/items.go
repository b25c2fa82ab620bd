package api

import (
	"encoding/json"
	"net/http"

	"github.com/gehhilfe/eventlog/readmodel"
)

type listItemsDto struct {
	Items []readmodel.Item `json:"items"`
}

// GET /items
func ListItemsHandler(items readmodel.ItemStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := items.List(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []readmodel.Item{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listItemsDto{Items: list})
	}
}
