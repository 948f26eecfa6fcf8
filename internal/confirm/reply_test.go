package confirm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReply(t *testing.T) {
	const id = "3f2b8c1e-9a4d-4e6f-8b1a-2c3d4e5f6a7b"

	tests := []struct {
		name     string
		text     string
		decision Decision
		id       string
		ok       bool
	}{
		{name: "confirm", text: "CONFIRM " + id, decision: Confirm, id: id, ok: true},
		{name: "cancel", text: "CANCEL " + id, decision: Cancel, id: id, ok: true},
		{name: "lowercase", text: "confirm " + id, decision: Confirm, id: id, ok: true},
		{name: "uppercase id", text: "Confirm 3F2B8C1E-9A4D-4E6F-8B1A-2C3D4E5F6A7B", decision: Confirm, id: id, ok: true},
		{name: "embedded in prose", text: "Looks right to me.\n\nCONFIRM " + id + "\n\nThanks!", decision: Confirm, id: id, ok: true},
		{name: "repeated same command", text: "CONFIRM " + id + "\nCONFIRM " + id, decision: Confirm, id: id, ok: true},
		{name: "conflicting commands", text: "CONFIRM " + id + "\nCANCEL " + id},
		{name: "two different ids", text: "CONFIRM " + id + "\nCONFIRM 11111111-2222-4333-8444-555555555555"},
		{name: "short id", text: "CONFIRM 12345678"},
		{name: "no id", text: "Cancel my subscription"},
		{name: "empty", text: ""},
		{name: "word boundary", text: "RECONFIRM " + id},
		{
			name:     "reply above quoted approval request",
			text:     "CANCEL " + id + "\n\nOn Mon, Oct 19, 2026 at 9:00 AM Ledger <ledger@example.com> wrote:\n> CONFIRM " + id + "\n> CANCEL " + id,
			decision: Cancel, id: id, ok: true,
		},
		{
			name: "only quoted commands",
			text: "Sounds good\n> CONFIRM " + id + "\n> CANCEL " + id,
		},
		{
			name:     "outlook original message",
			text:     "confirm " + id + "\n\n-----Original Message-----\nTo cancel, reply with:\n    CANCEL " + id,
			decision: Confirm, id: id, ok: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, gotID, ok := ParseReply(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.id, gotID)
		})
	}
}
