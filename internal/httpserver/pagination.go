package httpserver

import (
	"net/http"
	"strconv"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Pagination holds the parsed limit/offset for a list endpoint.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads "limit" and "offset" query parameters, clamping
// limit to [1, maxLimit] and defaulting to defaultLimit when absent or
// invalid.
func ParsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: defaultLimit, Offset: 0}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}

	return p
}
