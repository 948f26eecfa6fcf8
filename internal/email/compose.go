package email

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Draft is an outbound message. Body is markdown and is rendered into
// both text/plain and text/html alternatives.
type Draft struct {
	From      string
	To        []string
	Subject   string
	Body      string
	InReplyTo string
}

// Compose builds a complete RFC 5322 message from d.
func Compose(d Draft) ([]byte, error) {
	if len(d.To) == 0 {
		return nil, fmt.Errorf("compose %q: no recipients", d.Subject)
	}

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(d.Subject)

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", d.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	to, err := parseAddressList(d.To)
	if err != nil {
		return nil, err
	}
	h.SetAddressList("To", to)

	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(d.InReplyTo, "<>")})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	if err := writePart(tw, "text/plain; charset=utf-8", markdownToPlain(d.Body)); err != nil {
		return nil, err
	}
	html, err := markdownToHTML(d.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	if err := writePart(tw, "text/html; charset=utf-8", html); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, content string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic     = regexp.MustCompile(`\*(.+?)\*`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeBlock  = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
)

// markdownToPlain strips markdown formatting. List markers are kept;
// they read fine as plain text.
func markdownToPlain(md string) string {
	s := mdCodeBlock.ReplaceAllString(md, "$1")
	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
