package api

import (
	"net/http"
	"strconv"

	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// listResponse is a page of results with the unpaged total.
type listResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// handleActiveCalls returns the live sessions, oldest first.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handleListCalls returns persisted call history, newest first.
// Query params: limit, offset, search, state, start_date, end_date.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "call history is not enabled")
		return
	}

	limit, offset, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	q := r.URL.Query()
	filter := database.CallRecordListFilter{
		Limit:     limit,
		Offset:    offset,
		Search:    q.Get("search"),
		State:     q.Get("state"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	records, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []models.CallRecord{}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items:  records,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// parsePagination reads limit and offset. It returns an error message for
// the client, or "" on success.
func parsePagination(r *http.Request) (limit, offset int, msg string) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, "limit must be a positive integer"
		}
		limit = min(n, maxPageSize)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, "offset must be a non-negative integer"
		}
		offset = n
	}
	return limit, offset, ""
}
