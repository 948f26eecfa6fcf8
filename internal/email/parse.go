package email

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize caps the text kept from a single part.
const maxBodySize = 32 * 1024

// maxRawMessageSize caps how much of an IMAP literal is buffered.
const maxRawMessageSize = 5 * 1024 * 1024

// Parse reads an RFC 5322 message. Unknown charsets are tolerated; the
// affected text may be garbled but parsing continues.
func Parse(r io.Reader) (Message, error) {
	var msg Message

	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return msg, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return msg, errors.New("create mail reader: no reader")
	}
	defer mr.Close()

	h := mr.Header
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return msg, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		switch {
		case ct == "text/plain" && plain == "":
			plain = readPart(part.Body)
		case ct == "text/html" && html == "":
			html = readPart(part.Body)
		}
	}

	if plain != "" {
		msg.Body = plain
	} else {
		msg.Body = htmlToPlain(html)
	}
	return msg, nil
}

func readPart(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil && len(body) == 0 {
		return ""
	}
	text := string(body)
	if len(body) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated: message exceeds 32KB]"
	}
	return strings.TrimSpace(text)
}
