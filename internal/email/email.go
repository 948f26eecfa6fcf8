// Package email provides the mail plumbing behind request intake and
// outbound notifications: composing MIME messages from markdown,
// delivering them over SMTP, and reading unseen messages over IMAP.
package email

import (
	"strings"
	"time"
)

// DefaultFolder is the mailbox read when none is configured.
const DefaultFolder = "INBOX"

// Message is an inbound message reduced to the fields the bookkeeping
// pipeline needs.
type Message struct {
	// UID is the IMAP UID within the folder it was read from. Zero for
	// messages parsed outside a mailbox.
	UID uint32

	MessageID  string
	InReplyTo  string
	References []string

	// From is the bare sender address, lowercased.
	From     string
	FromName string

	Subject string
	Date    time.Time

	// Body is the text/plain part when present, otherwise the HTML part
	// with markup stripped.
	Body string
}

// Text returns the subject and body joined the way the reasoning loop
// receives a new request.
func (m Message) Text() string {
	subject := strings.TrimSpace(m.Subject)
	body := strings.TrimSpace(m.Body)
	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return subject + "\n\n" + body
	}
}
