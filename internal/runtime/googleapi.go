// Package runtime adapts Google APIs to the interfaces the rest of
// replygate consumes, and owns credential acquisition.
package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/awarman/replygate/internal/mailbox"
)

type googleClient struct {
	svc *gmail.Service
	cb  *gobreaker.CircuitBreaker
}

// NewGoogleAPIClient wraps a *gmail.Service in the mailbox.Client
// interface. API calls go through a shared circuit breaker so a
// provider outage trips fast instead of burning the request deadline.
func NewGoogleAPIClient(svc *gmail.Service) mailbox.Client {
	settings := gobreaker.Settings{
		Name:     "mailbox-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && ratio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			// Client-side errors must not trip the breaker; only
			// transport failures and provider 5xx/429 count.
			if err == nil || errors.Is(err, mailbox.ErrNotFound) {
				return true
			}
			var gerr *googleapi.Error
			if errors.As(err, &gerr) {
				return gerr.Code < http.StatusInternalServerError &&
					gerr.Code != http.StatusTooManyRequests
			}
			return false
		},
	}
	return &googleClient{svc: svc, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (g *googleClient) execute(op string, fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) { return nil, classify(fn()) })
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// classify maps provider 404s onto mailbox.ErrNotFound so callers can
// branch without importing googleapi.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", mailbox.ErrNotFound, gerr.Message)
	}
	return err
}

func (g *googleClient) GetMessage(ctx context.Context, id mailbox.MessageID) (mailbox.Message, error) {
	var msg *gmail.Message
	err := g.execute("get message", func() error {
		var apiErr error
		msg, apiErr = g.svc.Users.Messages.Get("me", string(id)).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return mailbox.Message{}, err
	}
	out := mailbox.Message{
		ID:       mailbox.MessageID(msg.Id),
		Thread:   mailbox.ThreadID(msg.ThreadId),
		Received: time.UnixMilli(msg.InternalDate),
		Labels:   toLabelIDs(msg.LabelIds),
		Headers:  toHeaderMap(msg.Payload),
		Body:     extractTextBody(msg.Payload),
	}
	return out, nil
}

func (g *googleClient) GetMetadata(ctx context.Context, id mailbox.MessageID, headers []string) (mailbox.MessageMeta, error) {
	var msg *gmail.Message
	err := g.execute("get metadata", func() error {
		var apiErr error
		msg, apiErr = g.svc.Users.Messages.Get("me", string(id)).
			Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return mailbox.MessageMeta{}, err
	}
	return mailbox.MessageMeta{
		ID:      mailbox.MessageID(msg.Id),
		Thread:  mailbox.ThreadID(msg.ThreadId),
		Labels:  toLabelIDs(msg.LabelIds),
		Headers: toHeaderMap(msg.Payload),
	}, nil
}

func (g *googleClient) ListHistory(ctx context.Context, since mailbox.HistoryID) ([]mailbox.ChangeRecord, error) {
	cursor, err := strconv.ParseUint(string(since), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse history cursor %q: %w", since, err)
	}
	var res *gmail.ListHistoryResponse
	err = g.execute("list history", func() error {
		var apiErr error
		res, apiErr = g.svc.Users.History.List("me").StartHistoryId(cursor).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	records := make([]mailbox.ChangeRecord, 0, len(res.History))
	for _, h := range res.History {
		var rec mailbox.ChangeRecord
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				rec.Added = append(rec.Added, mailbox.MessageID(added.Message.Id))
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (g *googleClient) ListMessages(ctx context.Context, labels []mailbox.LabelID, limit int64) ([]mailbox.MessageID, error) {
	var res *gmail.ListMessagesResponse
	err := g.execute("list messages", func() error {
		var apiErr error
		res, apiErr = g.svc.Users.Messages.List("me").
			LabelIds(toStrings(labels)...).MaxResults(limit).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	ids := make([]mailbox.MessageID, 0, len(res.Messages))
	for _, m := range res.Messages {
		ids = append(ids, mailbox.MessageID(m.Id))
	}
	return ids, nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, name string) (mailbox.LabelID, error) {
	var list *gmail.ListLabelsResponse
	err := g.execute("list labels", func() error {
		var apiErr error
		list, apiErr = g.svc.Users.Labels.List("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	for _, l := range list.Labels {
		if l.Name == name {
			return mailbox.LabelID(l.Id), nil
		}
	}
	var created *gmail.Label
	err = g.execute("create label", func() error {
		var apiErr error
		created, apiErr = g.svc.Users.Labels.Create("me", &gmail.Label{Name: name}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	return mailbox.LabelID(created.Id), nil
}

func (g *googleClient) AddLabel(ctx context.Context, id mailbox.MessageID, label mailbox.LabelID) error {
	req := &gmail.ModifyMessageRequest{AddLabelIds: []string{string(label)}}
	return g.execute("add label", func() error {
		_, apiErr := g.svc.Users.Messages.Modify("me", string(id), req).Context(ctx).Do()
		return apiErr
	})
}

func (g *googleClient) Send(ctx context.Context, raw []byte, thread mailbox.ThreadID) (mailbox.MessageID, error) {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: string(thread),
	}
	var sent *gmail.Message
	err := g.execute("send", func() error {
		var apiErr error
		sent, apiErr = g.svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return mailbox.MessageID(sent.Id), nil
}

func (g *googleClient) GetThread(ctx context.Context, id mailbox.ThreadID, headers []string) ([]mailbox.MessageMeta, error) {
	var thread *gmail.Thread
	err := g.execute("get thread", func() error {
		var apiErr error
		thread, apiErr = g.svc.Users.Threads.Get("me", string(id)).
			Format("metadata").MetadataHeaders(headers...).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	metas := make([]mailbox.MessageMeta, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		metas = append(metas, mailbox.MessageMeta{
			ID:      mailbox.MessageID(m.Id),
			Thread:  id,
			Labels:  toLabelIDs(m.LabelIds),
			Headers: toHeaderMap(m.Payload),
		})
	}
	return metas, nil
}

func (g *googleClient) GetProfile(ctx context.Context) (mailbox.Profile, error) {
	var profile *gmail.Profile
	err := g.execute("get profile", func() error {
		var apiErr error
		profile, apiErr = g.svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return mailbox.Profile{}, err
	}
	return mailbox.Profile{
		EmailAddress: profile.EmailAddress,
		History:      mailbox.HistoryID(strconv.FormatUint(profile.HistoryId, 10)),
	}, nil
}

func (g *googleClient) Watch(ctx context.Context, topic string) (mailbox.WatchInfo, error) {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{string(mailbox.LabelInbox)},
	}
	var res *gmail.WatchResponse
	err := g.execute("watch", func() error {
		var apiErr error
		res, apiErr = g.svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return mailbox.WatchInfo{}, err
	}
	return mailbox.WatchInfo{
		History: mailbox.HistoryID(strconv.FormatUint(res.HistoryId, 10)),
		Expires: time.UnixMilli(res.Expiration),
	}, nil
}

func toHeaderMap(payload *gmail.MessagePart) map[string]string {
	headers := map[string]string{}
	if payload == nil {
		return headers
	}
	for _, h := range payload.Headers {
		headers[textproto.CanonicalMIMEHeaderKey(h.Name)] = h.Value
	}
	return headers
}

// extractTextBody returns the first text/plain part, or the single-part
// body when the message is not multipart.
func extractTextBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}
	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			return decodeBody(part.Body.Data)
		}
	}
	if payload.Body != nil && payload.Body.Data != "" {
		return decodeBody(payload.Body.Data)
	}
	return ""
}

func decodeBody(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		if decoded, err = base64.RawURLEncoding.DecodeString(data); err != nil {
			return ""
		}
	}
	return string(decoded)
}

func toLabelIDs(in []string) []mailbox.LabelID {
	out := make([]mailbox.LabelID, 0, len(in))
	for _, s := range in {
		out = append(out, mailbox.LabelID(s))
	}
	return out
}

func toStrings(in []mailbox.LabelID) []string {
	out := make([]string, 0, len(in))
	for _, l := range in {
		out = append(out, string(l))
	}
	return out
}

// DefaultLogger returns the process-wide slog logger.
func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
