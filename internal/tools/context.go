package tools

import "context"

type contextKey string

const (
	conversationIDKey contextKey = "conversation_id"
	requesterKey      contextKey = "requester"
)

// Requester identifies who asked for the current run, so notification
// tools can reply to them.
type Requester struct {
	Address   string
	MessageID string // inbound message id, for threading replies
}

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext returns the conversation ID, or "" if unset.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}

// WithRequester attaches the requester to the context.
func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, requesterKey, r)
}

// RequesterFromContext returns the requester, if one was attached.
func RequesterFromContext(ctx context.Context) (Requester, bool) {
	r, ok := ctx.Value(requesterKey).(Requester)
	return r, ok && r.Address != ""
}
