package email

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simplePlainText = "From: Pat Owner <Pat@Example.com>\r\n" +
	"To: books@example.com\r\n" +
	"Subject: Invoice Acme\r\n" +
	"Message-ID: <req-1@example.com>\r\n" +
	"Date: Fri, 02 Jan 2026 15:04:05 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Invoice Acme Corp for $500 of consulting.\r\n"

const nestedAlternative = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Nested\r\n" +
	"In-Reply-To: <conf-9@example.com>\r\n" +
	"References: <abc@example.com> <conf-9@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain text body\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML body</p>\r\n" +
	"--inner--\r\n" +
	"--outer--\r\n"

const htmlOnly = "From: sender@example.com\r\n" +
	"Subject: HTML\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>CONFIRM 123</p><p>Thanks &amp; regards</p>\r\n"

func TestParse_PlainText(t *testing.T) {
	msg, err := Parse(strings.NewReader(simplePlainText))
	require.NoError(t, err)

	assert.Equal(t, "pat@example.com", msg.From)
	assert.Equal(t, "Pat Owner", msg.FromName)
	assert.Equal(t, "Invoice Acme", msg.Subject)
	assert.Equal(t, "req-1@example.com", msg.MessageID)
	assert.Equal(t, "Invoice Acme Corp for $500 of consulting.", msg.Body)
	assert.Equal(t, 2026, msg.Date.Year())
}

func TestParse_NestedAlternativePrefersPlain(t *testing.T) {
	msg, err := Parse(strings.NewReader(nestedAlternative))
	require.NoError(t, err)

	assert.Equal(t, "Plain text body", msg.Body)
	assert.Equal(t, "conf-9@example.com", msg.InReplyTo)
	assert.Equal(t, []string{"abc@example.com", "conf-9@example.com"}, msg.References)
}

func TestParse_HTMLFallback(t *testing.T) {
	msg, err := Parse(strings.NewReader(htmlOnly))
	require.NoError(t, err)

	assert.Contains(t, msg.Body, "CONFIRM 123")
	assert.Contains(t, msg.Body, "Thanks & regards")
	assert.NotContains(t, msg.Body, "<p>")
}

func TestHTMLToPlain(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs", "<p>First</p><p>Second</p>", "First\n\nSecond"},
		{"line breaks", "Line one<br>Line two", "Line one\nLine two"},
		{"inline spacing", "<p>Invoice <b>Acme</b> for $500</p>", "Invoice Acme for $500"},
		{"entities", "<div>Parts &amp; labor &lt;net 30&gt;</div>", "Parts & labor <net 30>"},
		{"scripts dropped", "<head><title>x</title><style>p{}</style></head><body>Hi<script>alert(1)</script></body>", "Hi"},
		{"quoted reply", "<div>CANCEL it</div><blockquote><div>CONFIRM old</div></blockquote>", "CANCEL it\n> CONFIRM old"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, htmlToPlain(tt.in))
		})
	}
}

func TestParse_Truncation(t *testing.T) {
	big := strings.Repeat("x", maxBodySize+100)
	raw := "From: a@example.com\r\nContent-Type: text/plain\r\n\r\n" + big
	msg, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(msg.Body, "[truncated: message exceeds 32KB]"))
}

func TestMessage_Text(t *testing.T) {
	assert.Equal(t, "Subj\n\nBody", Message{Subject: "Subj", Body: "Body"}.Text())
	assert.Equal(t, "Body", Message{Body: "Body"}.Text())
	assert.Equal(t, "Subj", Message{Subject: " Subj "}.Text())
}

func TestCompose_RoundTrip(t *testing.T) {
	raw, err := Compose(Draft{
		From:      "Ledger <books@example.com>",
		To:        []string{"owner@example.com"},
		Subject:   "Confirmation Required: CREATE_INVOICE (1a2b3c4d)",
		Body:      "Reply with **CONFIRM** to proceed.",
		InReplyTo: "<req-1@example.com>",
	})
	require.NoError(t, err)

	msg, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "books@example.com", msg.From)
	assert.Equal(t, "Confirmation Required: CREATE_INVOICE (1a2b3c4d)", msg.Subject)
	assert.Equal(t, "Reply with CONFIRM to proceed.", msg.Body)
	assert.Equal(t, "req-1@example.com", msg.InReplyTo)
	assert.Contains(t, string(raw), "<strong>CONFIRM</strong>")
}

func TestCompose_Errors(t *testing.T) {
	_, err := Compose(Draft{From: "books@example.com", Subject: "x"})
	assert.Error(t, err, "no recipients")

	_, err = Compose(Draft{From: "not an address", To: []string{"a@example.com"}})
	assert.Error(t, err)

	_, err = Compose(Draft{From: "books@example.com", To: []string{"@@"}})
	assert.Error(t, err)
}

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**Total:** $500", "Total: $500"},
		{"italic", "*draft*", "draft"},
		{"link", "[portal](https://example.com)", "portal (https://example.com)"},
		{"heading", "## Summary\nDone", "Summary\nDone"},
		{"inline code", "id `abc`", "id abc"},
		{"list kept", "- one\n- two", "- one\n- two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToPlain(tt.in))
		})
	}
}

func TestUniqueAddresses(t *testing.T) {
	got := uniqueAddresses([]string{
		"Alice <alice@example.com>",
		"ALICE@example.com",
		"bob@example.com",
		"",
	})
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, got)
}

func TestBareAddress(t *testing.T) {
	assert.Equal(t, "alice@example.com", bareAddress("Alice <alice@example.com>"))
	assert.Equal(t, "user@test.com", bareAddress("<user@test.com>"))
	assert.Equal(t, "garbage", bareAddress(" garbage "))
}
