package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/phishwatch/internal/handlers"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method with standardized error handling
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	handler(w, r)
}

// PathSuffixRouter checks if path ends with a specific suffix and routes to handler
type PathSuffixRouter struct {
	Suffix  string
	Handler RouteHandler
}

// RouteByPathSuffix routes requests based on the exact remainder after prefix.
// Returns true if a route was matched and handled
func RouteByPathSuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []PathSuffixRouter) bool {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		return false
	}

	pathSuffix := strings.Trim(r.URL.Path[len(prefix):], "/")
	for _, route := range routes {
		if pathSuffix == route.Suffix {
			route.Handler(w, r)
			return true
		}
	}
	return false
}
