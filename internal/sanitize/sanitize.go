// Package sanitize normalizes strings before they are persisted locally or
// sent to the target service. The target's database rejects NUL bytes and
// mangles control characters, so everything funnels through here.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxTitleLen is the target API's title column limit.
	MaxTitleLen = 1024

	// MaxAuthorLen is the target API's author name limit.
	MaxAuthorLen = 512
)

// String removes NUL (0x00) and all control bytes except \t, \n and \r,
// and drops invalid UTF-8 sequences. The result is safe to store in a
// progress file or send to the target API.
func String(s string) string {
	if s == "" {
		return s
	}
	if utf8.ValidString(s) && !hasControl(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError {
			continue
		}
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
		if r == 0x7f {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Title sanitizes and truncates a title for the target API.
func Title(s string) string {
	return Truncate(String(strings.TrimSpace(s)), MaxTitleLen)
}

// Author sanitizes and truncates an author name for the target API.
func Author(s string) string {
	return Truncate(String(strings.TrimSpace(s)), MaxAuthorLen)
}

// legacyLanguages maps ISO-639-2 three-letter codes (bibliographic and
// terminology forms) seen in the wild to
// their shortest equivalent. Calibre libraries routinely carry these.
var legacyLanguages = map[string]string{
	"rus": "ru",
	"eng": "en",
	"ger": "de",
	"deu": "de",
	"fre": "fr",
	"fra": "fr",
	"spa": "es",
	"ita": "it",
	"pol": "pl",
	"ukr": "uk",
	"por": "pt",
	"dut": "nl",
	"nld": "nl",
	"jpn": "ja",
	"chi": "zh",
	"zho": "zh",
	"cze": "cs",
	"ces": "cs",
	"swe": "sv",
	"nor": "no",
	"fin": "fi",
	"hun": "hu",
	"tur": "tr",
	"ara": "ar",
	"heb": "he",
	"lat": "la",
}

// Language lowercases a language tag and normalizes legacy three-letter
// codes to their two-letter equivalent. Unknown values pass through.
func Language(s string) string {
	lang := strings.ToLower(strings.TrimSpace(String(s)))
	if short, ok := legacyLanguages[lang]; ok {
		return short
	}
	return lang
}
