package sanitize

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"clean passthrough", "War and Peace", "War and Peace"},
		{"nul stripped", "War\x00 and Peace", "War and Peace"},
		{"control bytes stripped", "a\x01b\x02c\x1fd", "abcd"},
		{"tab newline kept", "a\tb\nc\rd", "a\tb\nc\rd"},
		{"del stripped", "a\x7fb", "ab"},
		{"empty", "", ""},
		{"invalid utf8 dropped", "ok\xffok", "okok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(tt.input)
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStringNeverContainsNUL(t *testing.T) {
	inputs := []string{
		"\x00", "a\x00", "\x00b", "a\x00b\x00c",
		strings.Repeat("\x00", 100),
	}
	for _, in := range inputs {
		if strings.ContainsRune(String(in), 0) {
			t.Fatalf("sanitized string still contains NUL for input %q", in)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  string
	}{
		{"short unchanged", "abc", 10, "abc"},
		{"exact unchanged", "abc", 3, "abc"},
		{"cut", "abcdef", 3, "abc"},
		{"multibyte not split", "héllo", 2, "h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.max); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTitleLimit(t *testing.T) {
	long := strings.Repeat("x", MaxTitleLen+500)
	if got := Title(long); len(got) != MaxTitleLen {
		t.Errorf("title length = %d, want %d", len(got), MaxTitleLen)
	}
}

func TestLanguage(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"rus", "ru"},
		{"RUS", "ru"},
		{"eng", "en"},
		{"ru", "ru"},
		{"en", "en"},
		{" de ", "de"},
		{"tlh", "tlh"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Language(tt.input); got != tt.want {
				t.Errorf("Language(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
