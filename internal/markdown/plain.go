// Package markdown flattens the Markdown subset used in event descriptions
// into plain text for calendar clients.
package markdown

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reFence      = regexp.MustCompile("(?s)```[^\\n]*\\n(.*?)\\n?```")
	reInlineCode = regexp.MustCompile("`([^`\\n]+)`")
	reImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	reHeader     = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+(.+?)[ \t#]*$`)
	reRule       = regexp.MustCompile(`(?m)^[ \t]{0,3}(?:(?:\*[ \t]*){3,}|(?:-[ \t]*){3,}|(?:_[ \t]*){3,})$`)
	reQuote      = regexp.MustCompile(`(?m)^[ \t]{0,3}>[ \t]?`)
	reBullet     = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	reBold       = regexp.MustCompile(`\*\*([^*\n]+?)\*\*|__([^_\n]+?)__`)
	reItalicStar = regexp.MustCompile(`\*([^*\n]+?)\*`)
	reItalicBar  = regexp.MustCompile(`(^|[^\pL\pN_])_([^_\n]+?)_($|[^\pL\pN_])`)
	reHTML       = regexp.MustCompile(`<[^<>\n]+>`)
	reBlankRun   = regexp.MustCompile(`\n{3,}`)
	reStash      = regexp.MustCompile("\x00(\\d+)\x00")
)

const boldMark = "\x01"

// ToPlainText converts description Markdown to plain text:
//
//   - headers become their text surrounded by blank lines
//   - **bold** becomes *bold*, italic markers are removed
//   - [text](url) becomes "text (url)", ![alt](src) becomes "[alt]"
//   - `code` becomes 'code', fenced blocks are unwrapped verbatim
//   - list bullets become "• ", blockquotes "| ", horizontal rules "---"
//
// Remaining HTML tags are stripped and runs of blank lines collapse to one.
func ToPlainText(md string) string {
	if md == "" {
		return ""
	}
	s := strings.ReplaceAll(md, "\r\n", "\n")

	// Code is stashed so later rules leave its content alone.
	var stash []string
	keep := func(v string) string {
		stash = append(stash, v)
		return "\x00" + strconv.Itoa(len(stash)-1) + "\x00"
	}
	s = reFence.ReplaceAllStringFunc(s, func(m string) string {
		return keep(reFence.FindStringSubmatch(m)[1])
	})
	s = reInlineCode.ReplaceAllStringFunc(s, func(m string) string {
		return keep("'" + reInlineCode.FindStringSubmatch(m)[1] + "'")
	})

	s = reImage.ReplaceAllString(s, "[$1]")
	s = reLink.ReplaceAllString(s, "$1 ($2)")
	s = reHeader.ReplaceAllString(s, "\n$1\n")
	s = reRule.ReplaceAllString(s, "---")
	s = reQuote.ReplaceAllString(s, "| ")
	s = reBullet.ReplaceAllString(s, "${1}• ")

	s = reBold.ReplaceAllString(s, boldMark+"$1$2"+boldMark)
	s = reItalicStar.ReplaceAllString(s, "$1")
	s = reItalicBar.ReplaceAllString(s, "$1$2$3")
	s = strings.ReplaceAll(s, boldMark, "*")

	s = reHTML.ReplaceAllString(s, "")

	s = reStash.ReplaceAllStringFunc(s, func(m string) string {
		i, err := strconv.Atoi(reStash.FindStringSubmatch(m)[1])
		if err != nil || i >= len(stash) {
			return ""
		}
		return stash[i]
	})

	s = reBlankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
