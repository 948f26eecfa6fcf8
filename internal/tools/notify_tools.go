package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/ledger-agent/internal/notify"
)

// RegisterNotification adds NOTIFY_REQUESTER, which messages the person
// who made the current request.
func RegisterNotification(r *Registry, n notify.Notifier) {
	r.Register(&Tool{
		Name:        "NOTIFY_REQUESTER",
		Description: "Send a message to the person who made this request, e.g. to ask for missing details.",
		Class:       ClassNotification,
		Parameters: []Param{
			{Name: "subject", Type: "string", Required: true},
			{Name: "body", Type: "string", Description: "markdown", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			req, ok := RequesterFromContext(ctx)
			if !ok {
				return "", errors.New("no requester address is known for this conversation")
			}
			err := n.Notify(ctx, notify.Message{
				To:        req.Address,
				Subject:   stringArg(args, "subject"),
				Body:      stringArg(args, "body"),
				InReplyTo: req.MessageID,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Message sent to %s.", req.Address), nil
		},
	})
}
