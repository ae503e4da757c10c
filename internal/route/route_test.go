package route_test

import (
	"errors"
	"testing"

	"github.com/nocturne-games/loquat/internal/route"
)

// TestParse verifies that a route parses iff it consists of exactly three
// non-empty dot-separated segments.
func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		route string
		want  *route.Record
	}{
		{
			name:  "three segments",
			route: "area.player.login",
			want: &route.Record{
				Route:      "area.player.login",
				ServerType: "area",
				Handler:    "player",
				Method:     "login",
			},
		},
		{
			name:  "segments are not trimmed",
			route: "area. player.login",
			want: &route.Record{
				Route:      "area. player.login",
				ServerType: "area",
				Handler:    " player",
				Method:     "login",
			},
		},
		{name: "two segments", route: "area.player", want: nil},
		{name: "four segments", route: "area.player.login.extra", want: nil},
		{name: "empty string", route: "", want: nil},
		{name: "empty first segment", route: ".player.login", want: nil},
		{name: "empty middle segment", route: "area..login", want: nil},
		{name: "empty last segment", route: "area.player.", want: nil},
		{name: "only dots", route: "..", want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := route.Parse(tt.route)

			if tt.want == nil {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.route, got)
				}
				if !errors.Is(err, route.ErrInvalidRoute) {
					t.Fatalf("Parse(%q) error = %v, want ErrInvalidRoute", tt.route, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.route, err)
			}
			if *got != *tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.route, got, tt.want)
			}
		})
	}
}
