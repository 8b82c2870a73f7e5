package server

import (
	"net/http"
	"strconv"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// parseInt safely parses a string to int, returning default on error
func parseInt(s string, defaultVal int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return defaultVal
}
