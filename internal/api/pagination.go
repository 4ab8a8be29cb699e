package api

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// parsePagination reads limit and offset from the query. Invalid values
// fall back to the defaults; limit is capped at maxLimit.
func parsePagination(c echo.Context) (limit, offset int) {
	limit = defaultLimit
	if p := c.QueryParam("limit"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			limit = min(n, maxLimit)
		}
	}
	if p := c.QueryParam("offset"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// paginate returns the window [offset, offset+limit) of items.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
