package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCompactJSON_TruncatesOnRuneBoundary(t *testing.T) {
	for _, r := range []string{"é", "€", "🙂"} {
		for _, key := range []string{"k", "ke", "key", "keys"} {
			got := compactJSON(map[string]any{key: strings.Repeat(r, 400)})
			if !utf8.ValidString(got) {
				t.Errorf("rune %q key %q: invalid UTF-8 in %q", r, key, got[len(got)-8:])
			}
			if !strings.HasSuffix(got, "...") {
				t.Errorf("rune %q key %q: missing ellipsis", r, key)
			}
			if body := strings.TrimSuffix(got, "..."); len(body) > maxToolPayload {
				t.Errorf("rune %q key %q: body is %d bytes, want <= %d", r, key, len(body), maxToolPayload)
			}
		}
	}
}

func TestCompactJSON_ShortPayloadUntouched(t *testing.T) {
	if got := compactJSON(map[string]any{"city": "Zürich"}); got != `{"city":"Zürich"}` {
		t.Errorf("compactJSON = %q", got)
	}
	if got := compactJSON(nil); got != "{}" {
		t.Errorf("compactJSON(nil) = %q", got)
	}
}
