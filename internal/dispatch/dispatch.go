// Package dispatch composes and sends outbound replies. Every reply
// carries the full set of loop-prevention headers, so any instance of
// this responder (including this one) that later sees the reply will
// reject it at the eligibility filter.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awarman/replygate/internal/backoff"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/rate"
)

// Config controls outbound addressing.
type Config struct {
	// Alias is the monitored receiving address; Reply-To is always set
	// to it so human replies route back through the filter.
	Alias string
	// PrimaryFrom, when set together with UsePrimaryFrom, is used as
	// the From address instead of the alias. Providers reject sends
	// from unverified aliases; this keeps sending possible while the
	// alias awaits verification.
	PrimaryFrom    string
	UsePrimaryFrom bool
}

// SendError reports a failed send. The caller must not apply the
// reply-marker label when it sees one: the message stays eligible for
// a retry on a later notification.
type SendError struct {
	Message mailbox.MessageID
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send reply to %s: %v", e.Message, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Dispatcher sends replies through the mailbox.
type Dispatcher struct {
	Client  mailbox.Client
	Limiter rate.Limiter
	Logger  *slog.Logger
	Retry   backoff.Policy
	Config  Config
}

// New constructs a Dispatcher with the default retry policy.
func New(client mailbox.Client, limiter rate.Limiter, logger *slog.Logger, cfg Config) *Dispatcher {
	if limiter == nil {
		limiter = rate.None()
	}
	return &Dispatcher{
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
		Retry:   backoff.Default,
		Config:  cfg,
	}
}

// Send composes the reply to the original message and submits it into
// the original's thread. It returns the sent message id on success.
func (d *Dispatcher) Send(ctx context.Context, original mailbox.Message, body string) (mailbox.MessageID, error) {
	raw := d.Compose(original, body)
	var sent mailbox.MessageID
	err := d.Retry.Do(ctx, func() error {
		if err := d.Limiter.Wait(ctx); err != nil {
			return err
		}
		var apiErr error
		sent, apiErr = d.Client.Send(ctx, raw, original.Thread)
		return apiErr
	})
	if err != nil {
		return "", &SendError{Message: original.ID, Err: err}
	}
	d.Logger.InfoContext(ctx, "reply sent", "original", original.ID, "sent", sent)
	return sent, nil
}

// Compose builds the raw RFC 2822 reply.
func (d *Dispatcher) Compose(original mailbox.Message, body string) []byte {
	to := original.Header("Reply-To")
	if to == "" {
		to = original.Header("From")
	}
	from := d.Config.Alias
	if d.Config.UsePrimaryFrom && d.Config.PrimaryFrom != "" {
		from = d.Config.PrimaryFrom
	}

	var b strings.Builder
	writeHeader(&b, "To", to)
	writeHeader(&b, "From", from)
	writeHeader(&b, "Reply-To", d.Config.Alias)
	writeHeader(&b, "Subject", ReplySubject(original.Header("Subject")))
	writeHeader(&b, "In-Reply-To", string(original.ID))
	writeHeader(&b, "References", string(original.ID))
	writeHeader(&b, "Auto-Submitted", "auto-replied")
	writeHeader(&b, "X-Auto-Response-Suppress", "All")
	writeHeader(&b, "Precedence", "auto_reply")
	writeHeader(&b, "X-AutoReply", "yes")
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/plain; charset="UTF-8"`)
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// ReplySubject prefixes the subject with "Re:" unless it already is.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

func writeHeader(b *strings.Builder, name, value string) {
	// Header values never embed CR/LF; a crafted subject must not be
	// able to inject additional headers.
	value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
