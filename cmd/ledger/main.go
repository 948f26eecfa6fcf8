// Ledger is an email-driven bookkeeping agent.
//
// Requests arrive by mail (or the HTTP API), a bounded reasoning loop
// turns each into accounting actions, and anything that changes the
// books waits for a human to reply CONFIRM or CANCEL.
//
// Usage:
//
//	ledger serve                     Poll the mailbox and serve the HTTP API
//	ledger run [text]                Run one request and print the outcome
//	ledger resolve CONFIRM|CANCEL id Apply a decision to a pending action
//	ledger sweep                     Expire overdue pending actions
//	ledger pending                   List pending actions
//	ledger history [conversation]    Show conversations or one conversation's turns
//	ledger version                   Print version and build information
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// main only builds the OS environment and hands off to the root command,
// so the whole command surface can be driven from tests.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
