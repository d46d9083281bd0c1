package transport

import (
	"net/http"

	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/model"
)

func handleListTemplates(templates catalog.Lister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := templates.List(r.Context())
		if err != nil {
			fail(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, listResponse[model.FlowTemplate]{Data: nonNil(list), Count: len(list)})
	}
}
