package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kohakuhub/hub/internal/errs"
)

// writeJSON mirrors the teacher's writeJSONResponse helper, generalized
// to any payload type instead of the registry-specific response structs.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a JSON request body, translating decode failures into
// the BadRequest error kind so every handler renders them the same way.
func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.New(errs.BadRequest, "invalid request body: %v", err)
	}
	return nil
}
