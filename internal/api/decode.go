package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// DecodeJSON decodes a request body with strict validation.
// Unknown fields are rejected so a typoed field fails loudly instead of
// silently doing nothing.
//
// Usage:
//
//	var req LoginRequest
//	if err := api.DecodeJSON(r, &req); err != nil {
//	    api.RespondError(w, r, http.StatusBadRequest, err.Error())
//	    return
//	}
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}
