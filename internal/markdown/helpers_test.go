package markdown

import "testing"

func TestEscapeV2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"v1.2 (beta)!", `v1\.2 \(beta\)\!`},
		{"a_b*c", `a\_b\*c`},
		{`back\slash`, `back\\slash`},
	}

	for _, test := range tests {
		if got := EscapeV2(test.in); got != test.want {
			t.Fatalf("EscapeV2(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestEscapeCode(t *testing.T) {
	if got := EscapeCode("a`b.c"); got != "a\\`b.c" {
		t.Fatalf("EscapeCode() = %q", got)
	}
}

func TestEscapeLinkURL(t *testing.T) {
	if got := EscapeLinkURL("https://x/a_(b)"); got != `https://x/a_(b\)` {
		t.Fatalf("EscapeLinkURL() = %q", got)
	}
}
