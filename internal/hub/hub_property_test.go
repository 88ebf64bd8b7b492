package hub

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestProperty_NormalizeOrderID(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		core := rapid.StringMatching(`[a-zA-Z0-9-]{1,36}`).Draw(t, "id")
		lead := rapid.StringMatching(`[ \t\n]{0,4}`).Draw(t, "lead")
		trail := rapid.StringMatching(`[ \t\n]{0,4}`).Draw(t, "trail")
		bracketed := rapid.Bool().Draw(t, "bracketed")

		raw := core
		if bracketed {
			raw = "<" + raw + ">"
		}
		raw = lead + raw + trail

		got := NormalizeOrderID(raw)
		if got != core {
			t.Fatalf("NormalizeOrderID(%q) = %q, want %q", raw, got, core)
		}
		if NormalizeOrderID(got) != got {
			t.Fatalf("normalization not idempotent for %q", got)
		}
		if strings.TrimSpace(got) != got {
			t.Fatalf("result %q has surrounding whitespace", got)
		}
	})
}
