package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/ledger-agent/internal/agent"
	"github.com/nugget/ledger-agent/internal/api"
	"github.com/nugget/ledger-agent/internal/buildinfo"
	"github.com/nugget/ledger-agent/internal/confirm"
	"github.com/nugget/ledger-agent/internal/email"
	"github.com/nugget/ledger-agent/internal/intake"
	"github.com/nugget/ledger-agent/internal/ledger"
)

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 30 * time.Second

func newServeCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the mailbox on an interval and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, g)
		},
	}
}

// runServe runs the processing cycle and the API server until ctx is
// cancelled or the server fails.
func runServe(ctx context.Context, cmd *cobra.Command, g *globalOptions) error {
	a, err := openApp(ctx, g, cmd.ErrOrStderr(), needOracle)
	if err != nil {
		return err
	}
	defer a.Close()

	build := buildinfo.Current()
	a.logger.Info("starting ledger", "version", build.Version, "commit", build.Commit, "modified", build.Modified)

	var src intake.Source
	if a.cfg.Intake.IMAP.Configured() {
		mb := email.NewMailbox(a.cfg.Intake.IMAP, a.logger.With("component", "imap"))
		a.closers = append(a.closers, func() { _ = mb.Close() })
		src = intake.NewMailSource(mb, a.cfg.Intake.Folder, a.cfg.Intake.AllowedSenders, a.logger.With("component", "intake"))
	} else {
		a.logger.Info("intake mailbox not configured; requests arrive through the API only")
	}

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.proc, a.ledger, a.coord, a.usage, a.logger.With("component", "api"))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		a.proc.Start(gctx, src)
		return nil
	})
	grp.Go(func() error {
		return server.Start(gctx)
	})
	grp.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	return grp.Wait()
}

type runOptions struct {
	from    string
	subject string
	convID  string
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [request text]",
		Short: "Run one request through the reasoning loop and print the outcome",
		Long:  "run processes a single request. With no arguments the request text is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read request: %w", err)
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" && o.subject == "" {
				return errors.New("empty request")
			}

			a, err := openApp(cmd.Context(), g, cmd.ErrOrStderr(), needOracle)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.loop.Run(cmd.Context(), agent.Request{
				ConversationID: o.convID,
				Sender:         o.from,
				Subject:        o.subject,
				Body:           text,
			})
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), res, func(w io.Writer) error {
				return printResult(w, res)
			})
		},
	}
	cmd.Flags().StringVar(&o.from, "from", "", "requester address for the outcome notification")
	cmd.Flags().StringVar(&o.subject, "subject", "", "request subject")
	cmd.Flags().StringVar(&o.convID, "conversation", "", "conversation id (default: generated)")
	return cmd
}

func printResult(w io.Writer, res *agent.Result) error {
	fmt.Fprintf(w, "%s after %d steps (conversation %s)\n", res.Status, res.Steps, res.ConversationID)
	if res.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", res.Summary)
	}
	for _, id := range res.PendingIDs {
		fmt.Fprintf(w, "\nAwaiting approval: %s\n", id)
	}
	if res.NotifyErr != nil {
		fmt.Fprintf(w, "\nOutcome notification failed: %v\n", res.NotifyErr)
	}
	return nil
}

func newResolveCmd(g *globalOptions) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "resolve [CONFIRM|CANCEL] [pending-id]",
		Short: "Apply a human decision to a pending action",
		Long:  "resolve confirms or cancels a pending action. Pass the decision and id, or --text with a reply body containing one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, id, err := parseDecisionArgs(args, text)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), g, cmd.ErrOrStderr(), needTools)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.coord.SweepExpired(cmd.Context()); err != nil {
				a.logger.Warn("expiry sweep failed", "error", err)
			}
			res, err := a.coord.Resolve(cmd.Context(), id, decision)
			if err != nil {
				return err
			}
			view := api.ResolutionResponse{
				PendingID: res.ID,
				Ignored:   res.Ignored,
				Reason:    res.Reason,
				Status:    res.Status,
				Action:    res.Action,
			}
			if res.Observation != nil {
				view.Result = res.Observation.Content
				view.Failed = res.Observation.Failed()
			}
			return g.emit(cmd.OutOrStdout(), view, func(w io.Writer) error {
				if view.Ignored {
					_, err := fmt.Fprintf(w, "Ignored %s: %s\n", view.PendingID, view.Reason)
					return err
				}
				fmt.Fprintf(w, "%s %s (%s)\n", view.Action, view.Status, view.PendingID)
				if view.Result != "" {
					fmt.Fprintf(w, "\n%s\n", view.Result)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "reply text containing CONFIRM <id> or CANCEL <id>")
	return cmd
}

func parseDecisionArgs(args []string, text string) (confirm.Decision, string, error) {
	if text != "" {
		if len(args) > 0 {
			return "", "", errors.New("use either --text or a decision and id, not both")
		}
		d, id, ok := confirm.ParseReply(text)
		if !ok {
			return "", "", errors.New("reply contains no CONFIRM <id> or CANCEL <id> command")
		}
		return d, id, nil
	}
	if len(args) != 2 {
		return "", "", errors.New("usage: ledger resolve CONFIRM|CANCEL <pending-id>")
	}
	d, id, ok := confirm.ParseReply(args[0] + " " + args[1])
	if !ok {
		return "", "", fmt.Errorf("invalid decision %q or pending id %q", args[0], args[1])
	}
	return d, id, nil
}

func newSweepCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending actions past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), g, cmd.ErrOrStderr(), needStores)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.coord.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), map[string]int{"expired": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Expired %d pending action(s)\n", n)
				return err
			})
		},
	}
}

func newPendingCmd(g *globalOptions) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "pending [id]",
		Short: "List pending actions, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, cmd.ErrOrStderr(), needStores)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				act, err := a.coord.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), act, func(w io.Writer) error {
					return printActions(w, []*confirm.Action{act})
				})
			}

			actions, err := a.coord.List(ctx, confirm.Status(strings.ToUpper(status)), limit)
			if err != nil {
				return err
			}
			return g.emit(cmd.OutOrStdout(), actions, func(w io.Writer) error {
				return printActions(w, actions)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "PENDING", "PENDING, CONFIRMED, CANCELLED, EXPIRED, or empty for all")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of actions")
	return cmd
}

func printActions(w io.Writer, actions []*confirm.Action) error {
	if len(actions) == 0 {
		_, err := fmt.Fprintln(w, "No pending actions.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tSTATUS\tCREATED\tEXPIRES\tCONVERSATION")
	for _, act := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			act.ID, act.Details.Action, act.Status,
			act.CreatedAt.Local().Format(time.DateTime),
			act.ExpiresAt.Local().Format(time.DateTime),
			act.Details.ConversationID,
		)
	}
	return tw.Flush()
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List recent conversations, or print one conversation's turns",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, cmd.ErrOrStderr(), needStores)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			if len(args) == 0 {
				convs, err := a.ledger.Conversations(ctx, limit)
				if err != nil {
					return err
				}
				return g.emit(cmd.OutOrStdout(), convs, func(w io.Writer) error {
					return printConversations(w, convs)
				})
			}

			turns, err := a.ledger.Turns(ctx, args[0])
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				return fmt.Errorf("conversation %s not found", args[0])
			}
			return g.emit(cmd.OutOrStdout(), turns, func(w io.Writer) error {
				for _, t := range turns {
					fmt.Fprintf(w, "#%d [%s] %s\n%s\n\n", t.Sequence, t.Role, t.CreatedAt.Local().Format(time.DateTime), t.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of conversations")
	return cmd
}

func printConversations(w io.Writer, convs []ledger.Conversation) error {
	if len(convs) == 0 {
		_, err := fmt.Fprintln(w, "No conversations.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTURNS\tSTARTED\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, c.Turns,
			c.StartedAt.Local().Format(time.DateTime),
			c.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func newVersionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := buildinfo.Info()
			return g.emit(cmd.OutOrStdout(), info, func(w io.Writer) error {
				fmt.Fprintln(w, buildinfo.String())
				for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
					fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
				}
				return nil
			})
		},
	}
}
