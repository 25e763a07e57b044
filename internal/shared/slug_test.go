package shared_test

import (
	"strings"
	"testing"
	"unicode"

	"github.com/basket/go-beacon/internal/shared"
	"pgregory.net/rapid"
)

func TestSlug_Examples(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"What's the weather in Zürich?", 40, "what_s-the-weather-in-zürich_"},
		{"   ", 40, "chat"},
		{"--hi--", 40, "hi"},
		{"abcdef", 3, "abc"},
		{"Check my server!! status", 40, "check-my-server__-status"},
		{strings.Repeat("a", 39) + " tail", 40, strings.Repeat("a", 39)},
		{"Vol ½ of ²", 40, "vol-½-of-²"},
	}
	for _, tc := range cases {
		if got := shared.Slug(tc.in, tc.limit, "chat"); got != tc.want {
			t.Fatalf("Slug(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlug_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.String().Draw(t, "in")
		limit := rapid.IntRange(1, 80).Draw(t, "limit")
		got := shared.Slug(in, limit, "chat")

		if got == "" {
			t.Fatalf("empty slug for %q", in)
		}
		if got == "chat" {
			return
		}
		if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") {
			t.Fatalf("slug %q has edge hyphen", got)
		}
		if len([]rune(got)) > limit {
			t.Fatalf("slug %q longer than %d runes", got, limit)
		}
		for _, r := range got {
			ok := unicode.IsLetter(r) || unicode.IsNumber(r) || r == '-' || r == '_'
			if !ok || unicode.IsSpace(r) || r == '/' {
				t.Fatalf("slug %q contains %q", got, r)
			}
		}
	})
}
