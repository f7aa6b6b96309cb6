// Package fetch turns a history cursor into the candidate messages
// worth evaluating, tolerating provider-side inconsistency with an
// off-by-one retry and a bounded backfill scan.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/awarman/replygate/internal/backoff"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/rate"
)

// DefaultBackfillLimit bounds the tier-3 scan of recent unread inbox
// messages.
const DefaultBackfillLimit = 10

var metadataHeaders = []string{"From", "To", "Subject"}

// nonIncoming are label states that disqualify a candidate outright.
var nonIncoming = []mailbox.LabelID{
	mailbox.LabelSent, mailbox.LabelDraft, mailbox.LabelSpam, mailbox.LabelTrash,
}

// Service resolves change notifications into candidate message
// metadata.
type Service struct {
	Client        mailbox.Client
	Limiter       rate.Limiter
	Logger        *slog.Logger
	Retry         backoff.Policy
	BackfillLimit int64
}

// NewService constructs a fetcher with the default retry policy.
func NewService(client mailbox.Client, limiter rate.Limiter, logger *slog.Logger) *Service {
	if limiter == nil {
		limiter = rate.None()
	}
	return &Service{
		Client:        client,
		Limiter:       limiter,
		Logger:        logger,
		Retry:         backoff.Default,
		BackfillLimit: DefaultBackfillLimit,
	}
}

// Candidates returns, in provider order, the metadata of messages that
// are worth full evaluation: added since the cursor (or discovered by
// backfill), currently in the inbox, unread, and not in any
// sent/draft/spam/trash state.
//
// Tier 1 reads the change stream at the cursor. Cursors are sometimes
// reported one ahead of the real boundary, so an empty tier 1 is
// retried once at cursor-1 (tier 2). If both come back empty, a small
// scan of recent unread inbox mail (tier 3) covers lost notifications;
// the duplicate-reply guard makes re-surfacing already-handled mail
// safe.
func (s *Service) Candidates(ctx context.Context, cursor mailbox.HistoryID) ([]mailbox.MessageMeta, error) {
	seen := map[mailbox.MessageID]struct{}{}

	ids, err := s.addedSince(ctx, cursor, seen)
	if err != nil {
		if !errors.Is(err, mailbox.ErrNotFound) {
			return nil, fmt.Errorf("list changes since %s: %w", cursor, err)
		}
		// Expected for synthetic or expired cursors; the later tiers
		// still get their chance.
		s.Logger.InfoContext(ctx, "history cursor not found", "cursor", cursor)
	}

	if len(ids) == 0 {
		ids = s.retryOffByOne(ctx, cursor, seen)
	}
	if len(ids) == 0 {
		ids = s.backfill(ctx)
	}

	return s.filterCandidates(ctx, ids), nil
}

// addedSince collects ids from "message added" change records only.
// Label-only changes are never surfaced, so the responder cannot chase
// its own label writes.
func (s *Service) addedSince(ctx context.Context, cursor mailbox.HistoryID, seen map[mailbox.MessageID]struct{}) ([]mailbox.MessageID, error) {
	var records []mailbox.ChangeRecord
	err := s.call(ctx, func() error {
		var apiErr error
		records, apiErr = s.Client.ListHistory(ctx, cursor)
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	var ids []mailbox.MessageID
	for _, rec := range records {
		for _, id := range rec.Added {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Service) retryOffByOne(ctx context.Context, cursor mailbox.HistoryID, seen map[mailbox.MessageID]struct{}) []mailbox.MessageID {
	n, err := strconv.ParseUint(string(cursor), 10, 64)
	if err != nil || n == 0 {
		return nil
	}
	adjusted := mailbox.HistoryID(strconv.FormatUint(n-1, 10))
	s.Logger.InfoContext(ctx, "no additions at cursor, retrying one earlier", "cursor", adjusted)
	ids, err := s.addedSince(ctx, adjusted, seen)
	if err != nil {
		s.Logger.WarnContext(ctx, "off-by-one retry failed", "cursor", adjusted, "error", err)
		return nil
	}
	return ids
}

func (s *Service) backfill(ctx context.Context) []mailbox.MessageID {
	limit := s.BackfillLimit
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}
	s.Logger.InfoContext(ctx, "no additions in history, scanning recent unread inbox", "limit", limit)
	var ids []mailbox.MessageID
	err := s.call(ctx, func() error {
		var apiErr error
		ids, apiErr = s.Client.ListMessages(ctx,
			[]mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelUnread}, limit)
		return apiErr
	})
	if err != nil {
		s.Logger.WarnContext(ctx, "backfill scan failed", "error", err)
		return nil
	}
	return ids
}

// filterCandidates applies the cheap metadata pre-filter before anyone
// pays for a full message fetch: candidates must be in the inbox and
// unread, and must not carry a sent/draft/spam/trash label. A failed
// metadata fetch skips that candidate only.
func (s *Service) filterCandidates(ctx context.Context, ids []mailbox.MessageID) []mailbox.MessageMeta {
	var metas []mailbox.MessageMeta
	for _, id := range ids {
		var meta mailbox.MessageMeta
		err := s.call(ctx, func() error {
			var apiErr error
			meta, apiErr = s.Client.GetMetadata(ctx, id, metadataHeaders)
			return apiErr
		})
		if err != nil {
			s.Logger.WarnContext(ctx, "metadata fetch failed, skipping candidate", "id", id, "error", err)
			continue
		}
		if !meta.HasLabel(mailbox.LabelInbox) || !meta.HasLabel(mailbox.LabelUnread) {
			s.Logger.InfoContext(ctx, "skipping candidate outside inbox+unread", "id", id)
			continue
		}
		if hasAnyLabel(meta, nonIncoming) {
			s.Logger.InfoContext(ctx, "skipping non-incoming candidate", "id", id)
			continue
		}
		metas = append(metas, meta)
	}
	return metas
}

func (s *Service) call(ctx context.Context, fn func() error) error {
	return s.Retry.Do(ctx, func() error {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

func hasAnyLabel(meta mailbox.MessageMeta, labels []mailbox.LabelID) bool {
	for _, l := range labels {
		if meta.HasLabel(l) {
			return true
		}
	}
	return false
}
