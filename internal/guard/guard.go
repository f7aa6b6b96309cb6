// Package guard enforces the at-most-one-reply invariant. Two
// independent mechanisms back it: the reply-marker label on the
// original message, and a scan of the thread for mail already sent
// from the alias. The label is the durable idempotency token shared by
// concurrent handler invocations; the thread scan closes the window
// where a racing invocation has sent but not yet labeled.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awarman/replygate/internal/backoff"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/rate"
)

// DefaultLabelName is the reply-marker label created on the mailbox.
const DefaultLabelName = "Auto-Replied"

// Guard performs the pre-send checks and the post-send marking.
type Guard struct {
	Client    mailbox.Client
	Limiter   rate.Limiter
	Logger    *slog.Logger
	Retry     backoff.Policy
	LabelName string

	labelID mailbox.LabelID
}

// New constructs a Guard with the default label name and retry policy.
func New(client mailbox.Client, limiter rate.Limiter, logger *slog.Logger) *Guard {
	if limiter == nil {
		limiter = rate.None()
	}
	return &Guard{
		Client:    client,
		Limiter:   limiter,
		Logger:    logger,
		Retry:     backoff.Default,
		LabelName: DefaultLabelName,
	}
}

// AlreadyReplied reports whether the message carries the reply-marker
// label. The label is created lazily the first time it is needed; the
// create-or-fetch is idempotent so concurrent invocations converge on
// the same label id.
func (g *Guard) AlreadyReplied(ctx context.Context, msg mailbox.MessageMeta) (bool, error) {
	id, err := g.ensureLabel(ctx)
	if err != nil {
		return false, err
	}
	return msg.HasLabel(id), nil
}

// ThreadHasReply reports whether any message in the thread was sent
// from the alias. A scan failure fails open: blocking all replies on a
// transient read error is worse than risking the label check alone.
func (g *Guard) ThreadHasReply(ctx context.Context, thread mailbox.ThreadID, alias string) bool {
	var metas []mailbox.MessageMeta
	err := g.call(ctx, func() error {
		var apiErr error
		metas, apiErr = g.Client.GetThread(ctx, thread, []string{"From"})
		return apiErr
	})
	if err != nil {
		g.Logger.WarnContext(ctx, "thread scan failed, proceeding to send", "thread", thread, "error", err)
		return false
	}
	needle := strings.ToLower(alias)
	for _, m := range metas {
		if strings.Contains(strings.ToLower(m.Header("From")), needle) {
			g.Logger.InfoContext(ctx, "thread already has a reply from alias", "thread", thread)
			return true
		}
	}
	return false
}

// MarkReplied attaches the reply-marker label to the original message.
// Called only after a confirmed send. A failure here is logged by the
// caller, never retried past the policy, and never turns the send into
// a failure: the next race is still caught by the thread scan.
func (g *Guard) MarkReplied(ctx context.Context, id mailbox.MessageID) error {
	labelID, err := g.ensureLabel(ctx)
	if err != nil {
		return err
	}
	err = g.call(ctx, func() error {
		return g.Client.AddLabel(ctx, id, labelID)
	})
	if err != nil {
		return fmt.Errorf("apply reply label to %s: %w", id, err)
	}
	return nil
}

func (g *Guard) ensureLabel(ctx context.Context) (mailbox.LabelID, error) {
	if g.labelID != "" {
		return g.labelID, nil
	}
	name := g.LabelName
	if name == "" {
		name = DefaultLabelName
	}
	var id mailbox.LabelID
	err := g.call(ctx, func() error {
		var apiErr error
		id, apiErr = g.Client.EnsureLabel(ctx, name)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("ensure label %q: %w", name, err)
	}
	g.labelID = id
	return id, nil
}

func (g *Guard) call(ctx context.Context, fn func() error) error {
	return g.Retry.Do(ctx, func() error {
		if err := g.Limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}
