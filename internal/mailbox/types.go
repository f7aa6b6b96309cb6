package mailbox

import (
	"net/textproto"
	"time"
)

type MessageID string
type ThreadID string
type LabelID string

// HistoryID is an opaque cursor into the mailbox change stream, carried
// verbatim from the notification payload.
type HistoryID string

// Well-known system labels.
const (
	LabelInbox  LabelID = "INBOX"
	LabelUnread LabelID = "UNREAD"
	LabelSent   LabelID = "SENT"
	LabelDraft  LabelID = "DRAFT"
	LabelSpam   LabelID = "SPAM"
	LabelTrash  LabelID = "TRASH"
)

// MessageMeta is the cheap metadata view of a message: labels plus a
// requested subset of headers. Header keys are canonical MIME form.
type MessageMeta struct {
	ID      MessageID
	Thread  ThreadID
	Labels  []LabelID
	Headers map[string]string
}

// Message is the full view, including the decoded text/plain body and
// the provider receipt time.
type Message struct {
	ID       MessageID
	Thread   ThreadID
	Received time.Time
	Labels   []LabelID
	Headers  map[string]string
	Body     string
}

// Header returns the named header, matching case-insensitively.
func (m MessageMeta) Header(name string) string {
	return m.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// Header returns the named header, matching case-insensitively.
func (m Message) Header(name string) string {
	return m.Headers[textproto.CanonicalMIMEHeaderKey(name)]
}

// HasLabel reports whether the label is attached.
func (m MessageMeta) HasLabel(id LabelID) bool { return hasLabel(m.Labels, id) }

// HasLabel reports whether the label is attached.
func (m Message) HasLabel(id LabelID) bool { return hasLabel(m.Labels, id) }

func hasLabel(labels []LabelID, id LabelID) bool {
	for _, l := range labels {
		if l == id {
			return true
		}
	}
	return false
}

// ChangeRecord is one entry in the mailbox change stream. Only message
// additions are surfaced; label-only changes are deliberately invisible
// so the responder never reacts to its own label writes.
type ChangeRecord struct {
	Added []MessageID
}

// Profile describes the mailbox and its current change cursor.
type Profile struct {
	EmailAddress string
	History      HistoryID
}

// WatchInfo is the result of registering a change notification watch.
type WatchInfo struct {
	History HistoryID
	Expires time.Time
}
