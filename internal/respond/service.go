// Package respond runs the per-notification pipeline: fetch
// candidates, filter, guard, generate, sanitize, dispatch, mark.
package respond

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awarman/replygate/internal/backoff"
	"github.com/awarman/replygate/internal/directory"
	"github.com/awarman/replygate/internal/dispatch"
	"github.com/awarman/replygate/internal/fetch"
	"github.com/awarman/replygate/internal/filter"
	"github.com/awarman/replygate/internal/generate"
	"github.com/awarman/replygate/internal/guard"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/notify"
	"github.com/awarman/replygate/internal/rate"
	"github.com/awarman/replygate/internal/sanitize"
)

// Config carries the policy knobs for one mailbox.
type Config struct {
	Filter   filter.Config
	Dispatch dispatch.Config
	// LabelName overrides the reply-marker label name.
	LabelName string
	// DryRun evaluates everything but sends and labels nothing.
	DryRun bool
}

// Outcome reports what happened to one candidate.
type Outcome struct {
	Message mailbox.MessageID
	Replied bool
	// Reason is ReasonAllowed when a reply was sent, otherwise the
	// first check that stopped processing.
	Reason filter.Reason
	Sent   mailbox.MessageID
}

// Service is the end-to-end responder for one mailbox.
type Service struct {
	Client     mailbox.Client
	Fetcher    *fetch.Service
	Guard      *guard.Guard
	Dispatcher *dispatch.Dispatcher
	Generator  generate.Generator
	// Directory is optional; nil skips customer lookup entirely.
	Directory *directory.Client
	Limiter   rate.Limiter
	Logger    *slog.Logger
	Clock     func() time.Time
	Retry     backoff.Policy
	Config    Config
}

// NewService wires a responder from its collaborators.
func NewService(
	client mailbox.Client,
	limiter rate.Limiter,
	logger *slog.Logger,
	gen generate.Generator,
	dir *directory.Client,
	cfg Config,
) *Service {
	if limiter == nil {
		limiter = rate.None()
	}
	g := guard.New(client, limiter, logger)
	if cfg.LabelName != "" {
		g.LabelName = cfg.LabelName
	}
	return &Service{
		Client:     client,
		Fetcher:    fetch.NewService(client, limiter, logger),
		Guard:      g,
		Dispatcher: dispatch.New(client, limiter, logger, cfg.Dispatch),
		Generator:  gen,
		Directory:  dir,
		Limiter:    limiter,
		Logger:     logger,
		Clock:      time.Now,
		Retry:      backoff.Default,
		Config:     cfg,
	}
}

// HandleNotification processes one change notification end to end.
// One candidate's failure never aborts the rest of the batch; only an
// unreachable mailbox on the primary history fetch returns an error.
func (s *Service) HandleNotification(ctx context.Context, n notify.Notification) error {
	log := s.Logger.With("account", n.EmailAddress, "cursor", n.History)
	candidates, err := s.Fetcher.Candidates(ctx, n.History)
	if err != nil {
		return fmt.Errorf("fetch candidates: %w", err)
	}
	log.InfoContext(ctx, "processing candidates", "count", len(candidates))

	for _, meta := range candidates {
		outcome, err := s.ProcessMessage(ctx, meta)
		if err != nil {
			log.ErrorContext(ctx, "candidate failed", "id", meta.ID, "error", err)
			continue
		}
		if outcome.Replied {
			log.InfoContext(ctx, "replied", "id", meta.ID, "sent", outcome.Sent)
		} else {
			log.InfoContext(ctx, "skipped", "id", meta.ID, "reason", outcome.Reason.String())
		}
	}
	return nil
}

// ProcessMessage runs one candidate through the full pipeline. The
// candidate is expected to have passed the metadata pre-filter; its
// label state is re-checked here against the full message anyway,
// since state may have moved between the two fetches.
func (s *Service) ProcessMessage(ctx context.Context, meta mailbox.MessageMeta) (Outcome, error) {
	skip := func(r filter.Reason) (Outcome, error) {
		return Outcome{Message: meta.ID, Reason: r}, nil
	}

	var msg mailbox.Message
	err := s.call(ctx, func() error {
		var apiErr error
		msg, apiErr = s.Client.GetMessage(ctx, meta.ID)
		return apiErr
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("get message %s: %w", meta.ID, err)
	}

	if msg.HasLabel(mailbox.LabelSent) || msg.HasLabel(mailbox.LabelDraft) ||
		msg.HasLabel(mailbox.LabelSpam) || msg.HasLabel(mailbox.LabelTrash) {
		return skip(filter.ReasonNonIncomingLabelState)
	}
	if !s.Config.Filter.WithinAge(msg.Received, s.Clock()) {
		return skip(filter.ReasonTooOld)
	}

	replied, err := s.Guard.AlreadyReplied(ctx, toMeta(msg))
	if err != nil {
		return Outcome{}, fmt.Errorf("reply-label check %s: %w", meta.ID, err)
	}
	if replied {
		return skip(filter.ReasonAlreadyLabeled)
	}

	if verdict := s.Config.Filter.Evaluate(msg); !verdict.Allowed {
		return skip(verdict.Reason)
	}

	// Eligible. Gather customer context, then generate.
	var customer *directory.Record
	if s.Directory != nil {
		customer = s.Directory.Lookup(ctx, msg.Header("From"))
	}
	body := s.generateReply(ctx, msg, customer)

	if s.Config.DryRun {
		s.Logger.InfoContext(ctx, "dry-run: would reply", "id", msg.ID, "thread", msg.Thread)
		return Outcome{Message: msg.ID, Replied: true, Reason: filter.ReasonAllowed}, nil
	}

	// Last safety check before the send: a racing invocation may have
	// replied in this thread without labeling yet.
	if s.Guard.ThreadHasReply(ctx, msg.Thread, s.Config.Filter.Alias) {
		return skip(filter.ReasonAlreadyLabeled)
	}

	sent, err := s.Dispatcher.Send(ctx, msg, body)
	if err != nil {
		// No label on a failed send; the message stays eligible for a
		// retry on a later notification.
		return Outcome{}, err
	}

	// The send is already confirmed: a labeling failure is logged,
	// never retried past the policy, and never re-enters generation.
	if err := s.Guard.MarkReplied(ctx, msg.ID); err != nil {
		s.Logger.WarnContext(ctx, "reply sent but labeling failed", "id", msg.ID, "error", err)
	}
	return Outcome{Message: msg.ID, Replied: true, Reason: filter.ReasonAllowed, Sent: sent}, nil
}

// generateReply strips quoted history, calls the generator, and
// redacts the result. A generation failure degrades to the static
// fallback text.
func (s *Service) generateReply(ctx context.Context, msg mailbox.Message, customer *directory.Record) string {
	req := generate.Request{
		From:     msg.Header("From"),
		Subject:  msg.Header("Subject"),
		Body:     sanitize.StripQuoted(msg.Body),
		Customer: customer,
	}
	text, err := s.Generator.Generate(ctx, req)
	if err != nil || text == "" {
		s.Logger.WarnContext(ctx, "generation failed, using fallback reply", "id", msg.ID, "error", err)
		text = generate.FallbackText
	}
	return sanitize.Redact(text, s.Config.Filter.Alias)
}

func (s *Service) call(ctx context.Context, fn func() error) error {
	return s.Retry.Do(ctx, func() error {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

func toMeta(msg mailbox.Message) mailbox.MessageMeta {
	return mailbox.MessageMeta{
		ID:      msg.ID,
		Thread:  msg.Thread,
		Labels:  msg.Labels,
		Headers: msg.Headers,
	}
}
