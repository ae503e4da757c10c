// Package route parses logical message addresses.
//
// A route is a dot-separated three-segment string "serverType.handler.method".
// The first segment names the server type that owns the handler, the second
// the handler, the third the method. Parsing is total and side-effect free;
// any other shape is rejected.
package route

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoute indicates a route string that is not exactly three
// non-empty dot-separated segments.
var ErrInvalidRoute = errors.New("invalid route")

// Record is the parsed form of a route string.
//
// All four fields are non-empty for every Record produced by Parse.
type Record struct {
	// Route is the original unparsed route string.
	Route string

	// ServerType is the logical server role that owns the handler
	// (e.g. "area", "chat", "connector").
	ServerType string

	// Handler is the handler name within the server type.
	Handler string

	// Method is the method name within the handler.
	Method string
}

// Parse splits a route string into a Record.
//
// Segments are not trimmed; a segment containing whitespace is taken
// verbatim, an empty segment invalidates the route. Returns ErrInvalidRoute
// (wrapped with the offending input) for any shape other than exactly three
// non-empty segments.
func Parse(route string) (*Record, error) {
	if route == "" {
		return nil, fmt.Errorf("%w: empty route", ErrInvalidRoute)
	}

	parts := strings.Split(route, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q must have exactly three segments", ErrInvalidRoute, route)
	}

	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidRoute, route)
		}
	}

	return &Record{
		Route:      route,
		ServerType: parts[0],
		Handler:    parts[1],
		Method:     parts[2],
	}, nil
}
