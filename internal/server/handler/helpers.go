package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alanyoungcy/orderwatch/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// orderQuery is a parsed order listing query.
type orderQuery struct {
	page     domain.ListOpts
	status   string // normalized; empty matches every status
	terminal *bool
}

// parseOrderQuery reads limit, offset, status and terminal. Malformed values
// are rejected, not defaulted; limit is capped at maxPageSize.
func parseOrderQuery(q url.Values) (orderQuery, error) {
	out := orderQuery{page: domain.ListOpts{Limit: defaultPageSize}}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return out, errors.New("limit must be a positive integer")
		}
		out.page.Limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return out, errors.New("offset must be a non-negative integer")
		}
		out.page.Offset = n
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		out.status = domain.NormalizeStatus(v)
	}
	if v := q.Get("terminal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return out, errors.New("terminal must be true or false")
		}
		out.terminal = &b
	}
	return out, nil
}

func (q orderQuery) matches(st domain.OrderState) bool {
	if q.status != "" && domain.NormalizeStatus(st.Status) != q.status {
		return false
	}
	return q.terminal == nil || st.IsTerminal() == *q.terminal
}

// writeJSON writes v with status. An unencodable v becomes a 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status, body = http.StatusInternalServerError, []byte(`{"error":"encode response"}`)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
