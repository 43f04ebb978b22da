package ics

import (
	"strings"
	"unicode/utf8"

	ical "github.com/arran4/golang-ical"
)

// MaxLineOctets is the RFC 5545 §3.1 content line limit, excluding CRLF.
const MaxLineOctets = 75

// EscapeText escapes a TEXT value (RFC 5545 §3.3.11): backslash, semicolon
// and comma get a backslash, newlines become the two characters `\n`, and
// carriage returns are dropped.
// Invalid UTF-8 is replaced with U+FFFD.
func EscapeText(s string) string {
	return ical.ToText(strings.ToValidUTF8(strings.ReplaceAll(s, "\r", ""), "\uFFFD"))
}

// Fold splits one unfolded content line into physical lines of at most
// MaxLineOctets octets. Continuation lines start with a single space, which
// counts towards their length. Cuts only happen between runes, so no line
// ends inside a multi-byte UTF-8 sequence.
func Fold(line string) []string {
	if len(line) <= MaxLineOctets {
		return []string{line}
	}

	var (
		out []string
		b   strings.Builder
	)
	for i := 0; i < len(line); {
		// An invalid byte decodes with size 1 and is copied as is.
		_, n := utf8.DecodeRuneInString(line[i:])
		if b.Len()+n > MaxLineOctets {
			out = append(out, b.String())
			b.Reset()
			b.WriteByte(' ')
		}
		b.WriteString(line[i : i+n])
		i += n
	}
	out = append(out, b.String())
	return out
}

// Unfold joins physical lines produced by Fold back into content lines.
func Unfold(physical []string) []string {
	var out []string
	for _, l := range physical {
		if len(out) > 0 && (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) {
			out[len(out)-1] += l[1:]
			continue
		}
		out = append(out, l)
	}
	return out
}
