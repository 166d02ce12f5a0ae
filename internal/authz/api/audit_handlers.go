package api

import (
	"net/http"
	"strconv"
	"time"

	"gatekeeper/internal/api"
	"gatekeeper/internal/audit"
)

type AuditHandler struct {
	store audit.Store
}

func NewAuditHandler(store audit.Store) *AuditHandler {
	return &AuditHandler{store: store}
}

// Decisions serves the decision trail with the standard filters. Timestamps
// are RFC 3339.
func (h *AuditHandler) Decisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.Query{
		UserID:     q.Get("user_id"),
		ResourceID: q.Get("resource_id"),
		Action:     q.Get("action"),
		Decision:   q.Get("decision"),
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Offset, _ = strconv.Atoi(q.Get("offset"))

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, r, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		query.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(w, r, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		query.To = t
	}

	records, err := h.store.QueryRecords(r.Context(), query)
	if err != nil {
		respondPolicyError(w, r, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	api.RespondJSON(w, http.StatusOK, map[string]any{
		"decisions": records,
		"count":     len(records),
	})
}
