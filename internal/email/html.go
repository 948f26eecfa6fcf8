package email

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements hold no text a reader would see.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Head:     true,
	atom.Noscript: true,
	atom.Template: true,
}

// blockElements end a line.
var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Br:         true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.Blockquote: true,
	atom.Table:      true,
}

var (
	spaceRun      = regexp.MustCompile(`\s+`)
	trailingSpace = regexp.MustCompile(` +\n`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
)

// htmlToPlain returns the visible text of an HTML-only message body.
// Quoted replies in a blockquote keep a "> " prefix so reply parsing
// can still skip them.
func htmlToPlain(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	var b strings.Builder
	writeText(&b, doc, false)
	s := trailingSpace.ReplaceAllString(b.String(), "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func writeText(b *strings.Builder, n *html.Node, quoted bool) {
	switch n.Type {
	case html.TextNode:
		text := spaceRun.ReplaceAllString(n.Data, " ")
		if atLineStart(b) {
			text = strings.TrimLeft(text, " ")
			if text == "" {
				return
			}
			if quoted {
				b.WriteString("> ")
			}
		}
		b.WriteString(text)
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Blockquote {
			quoted = true
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c, quoted)
	}

	if n.Type == html.ElementNode && blockElements[n.DataAtom] {
		b.WriteByte('\n')
		if n.DataAtom == atom.P {
			b.WriteByte('\n')
		}
	}
}

func atLineStart(b *strings.Builder) bool {
	s := b.String()
	return s == "" || s[len(s)-1] == '\n'
}
