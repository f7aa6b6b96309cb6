package mailbox

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the provider reports that a message,
// thread, or history cursor does not exist. A synthetic or expired
// cursor surfaces this way and callers treat it as expected.
var ErrNotFound = errors.New("mailbox: not found")

// Client is the narrow mailbox surface required by replygate.
type Client interface {
	// GetMessage fetches the full message including headers and body.
	GetMessage(ctx context.Context, id MessageID) (Message, error)
	// GetMetadata fetches labels plus the requested headers only.
	GetMetadata(ctx context.Context, id MessageID, headers []string) (MessageMeta, error)
	// ListHistory returns change records issued after the cursor.
	ListHistory(ctx context.Context, since HistoryID) ([]ChangeRecord, error)
	// ListMessages returns ids of messages carrying all given labels.
	ListMessages(ctx context.Context, labels []LabelID, limit int64) ([]MessageID, error)
	// EnsureLabel returns the id of the named label, creating it if absent.
	EnsureLabel(ctx context.Context, name string) (LabelID, error)
	// AddLabel attaches a label to a message. Re-adding is a no-op.
	AddLabel(ctx context.Context, id MessageID, label LabelID) error
	// Send submits a raw RFC 2822 message into the given thread.
	Send(ctx context.Context, raw []byte, thread ThreadID) (MessageID, error)
	// GetThread lists the thread's messages with the requested headers.
	GetThread(ctx context.Context, id ThreadID, headers []string) ([]MessageMeta, error)
	// GetProfile returns the mailbox address and current cursor.
	GetProfile(ctx context.Context) (Profile, error)
	// Watch (re-)registers change notifications on the given topic.
	Watch(ctx context.Context, topic string) (WatchInfo, error)
}
