package respond

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/awarman/replygate/internal/dispatch"
	"github.com/awarman/replygate/internal/filter"
	"github.com/awarman/replygate/internal/generate"
	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/notify"
)

const testAlias = "support+cs@example.com"

const replyLabelID = mailbox.LabelID("Label_autoreplied")

type sentMessage struct {
	raw    string
	thread mailbox.ThreadID
}

type fakeClient struct {
	messages map[mailbox.MessageID]mailbox.Message
	history  map[mailbox.HistoryID][]mailbox.ChangeRecord
	threads  map[mailbox.ThreadID][]mailbox.MessageMeta
	sendErr  error
	sent     []sentMessage
	labeled  map[mailbox.MessageID][]mailbox.LabelID
}

func (f *fakeClient) GetMessage(_ context.Context, id mailbox.MessageID) (mailbox.Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return mailbox.Message{}, mailbox.ErrNotFound
	}
	return msg, nil
}

func (f *fakeClient) GetMetadata(_ context.Context, id mailbox.MessageID, _ []string) (mailbox.MessageMeta, error) {
	msg, ok := f.messages[id]
	if !ok {
		return mailbox.MessageMeta{}, mailbox.ErrNotFound
	}
	return mailbox.MessageMeta{ID: msg.ID, Thread: msg.Thread, Labels: msg.Labels, Headers: msg.Headers}, nil
}

func (f *fakeClient) ListHistory(_ context.Context, since mailbox.HistoryID) ([]mailbox.ChangeRecord, error) {
	return f.history[since], nil
}

func (f *fakeClient) ListMessages(context.Context, []mailbox.LabelID, int64) ([]mailbox.MessageID, error) {
	return nil, nil
}

func (f *fakeClient) EnsureLabel(context.Context, string) (mailbox.LabelID, error) {
	return replyLabelID, nil
}

func (f *fakeClient) AddLabel(_ context.Context, id mailbox.MessageID, label mailbox.LabelID) error {
	if f.labeled == nil {
		f.labeled = map[mailbox.MessageID][]mailbox.LabelID{}
	}
	f.labeled[id] = append(f.labeled[id], label)
	if msg, ok := f.messages[id]; ok {
		msg.Labels = append(msg.Labels, label)
		f.messages[id] = msg
	}
	return nil
}

func (f *fakeClient) Send(_ context.Context, raw []byte, thread mailbox.ThreadID) (mailbox.MessageID, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{raw: string(raw), thread: thread})
	return "sent-1", nil
}

func (f *fakeClient) GetThread(_ context.Context, id mailbox.ThreadID, _ []string) ([]mailbox.MessageMeta, error) {
	return f.threads[id], nil
}

func (f *fakeClient) GetProfile(context.Context) (mailbox.Profile, error) {
	return mailbox.Profile{EmailAddress: testAlias, History: "100"}, nil
}

func (f *fakeClient) Watch(context.Context, string) (mailbox.WatchInfo, error) {
	return mailbox.WatchInfo{}, nil
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, generate.Request) (string, error) {
	return "", errors.New("model unavailable")
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testClock = func() time.Time { return time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC) }

func headers(h map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range h {
		out[textproto.CanonicalMIMEHeaderKey(k)] = v
	}
	return out
}

func inboundMessage(subject string) mailbox.Message {
	return mailbox.Message{
		ID:       "M1",
		Thread:   "T1",
		Received: testClock().Add(-time.Hour),
		Labels:   []mailbox.LabelID{mailbox.LabelInbox, mailbox.LabelUnread},
		Headers: headers(map[string]string{
			"From":    "Bob Jones <bob@customer.com>",
			"To":      testAlias,
			"Subject": subject,
		}),
		Body: "Hi, can you help me with my account?",
	}
}

func newFake() *fakeClient {
	return &fakeClient{
		messages: map[mailbox.MessageID]mailbox.Message{"M1": inboundMessage("question")},
		history: map[mailbox.HistoryID][]mailbox.ChangeRecord{
			"100": {{Added: []mailbox.MessageID{"M1"}}},
		},
	}
}

func newService(fake *fakeClient, gen generate.Generator) *Service {
	if gen == nil {
		gen = generate.Static("Thanks for reaching out; we will follow up shortly.")
	}
	svc := NewService(fake, nil, slogDiscard(), gen, nil, Config{
		Filter:   filter.Config{Alias: testAlias},
		Dispatch: dispatch.Config{Alias: testAlias},
	})
	svc.Clock = testClock
	return svc
}

func notification() notify.Notification {
	return notify.Notification{EmailAddress: "a@x.com", History: "100"}
}

func TestHappyPath(t *testing.T) {
	fake := newFake()
	svc := newService(fake, nil)

	if err := svc.HandleNotification(context.Background(), notification()); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(fake.sent))
	}
	if fake.sent[0].thread != "T1" {
		t.Fatalf("sent into thread %q, want T1", fake.sent[0].thread)
	}
	if got := fake.labeled["M1"]; len(got) != 1 || got[0] != replyLabelID {
		t.Fatalf("labels on M1 = %v, want the reply marker applied once", got)
	}
}

func TestDuplicateNotificationSendsOnce(t *testing.T) {
	fake := newFake()
	svc := newService(fake, nil)
	ctx := context.Background()

	if err := svc.HandleNotification(ctx, notification()); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := svc.HandleNotification(ctx, notification()); err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sends = %d after duplicate delivery, want 1", len(fake.sent))
	}
}

func TestAlreadyLabeledSkipsWithoutGeneration(t *testing.T) {
	fake := newFake()
	msg := fake.messages["M1"]
	msg.Labels = append(msg.Labels, replyLabelID)
	fake.messages["M1"] = msg

	generated := 0
	gen := generatorFunc(func() (string, error) {
		generated++
		return "text", nil
	})
	svc := newService(fake, gen)

	outcome, err := svc.ProcessMessage(context.Background(), metaOf(msg))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Replied || outcome.Reason != filter.ReasonAlreadyLabeled {
		t.Fatalf("outcome %+v, want skip with already_labeled", outcome)
	}
	if generated != 0 {
		t.Fatal("generation ran for an already-replied message")
	}
	if len(fake.sent) != 0 {
		t.Fatal("send ran for an already-replied message")
	}
}

func TestThreadScanCatchesUnlabeledReply(t *testing.T) {
	fake := newFake()
	fake.threads = map[mailbox.ThreadID][]mailbox.MessageMeta{
		"T1": {
			{ID: "M1", Headers: headers(map[string]string{"From": "Bob Jones <bob@customer.com>"})},
			{ID: "M2", Headers: headers(map[string]string{"From": "Support <" + testAlias + ">"})},
		},
	}
	svc := newService(fake, nil)

	outcome, err := svc.ProcessMessage(context.Background(), metaOf(fake.messages["M1"]))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Replied {
		t.Fatal("replied into a thread that already has an alias reply")
	}
	if len(fake.sent) != 0 {
		t.Fatalf("sends = %d, want 0", len(fake.sent))
	}
}

func TestReplyLoopSubjectRejected(t *testing.T) {
	fake := newFake()
	msg := inboundMessage("Re: Re: question")
	fake.messages["M1"] = msg
	svc := newService(fake, nil)

	outcome, err := svc.ProcessMessage(context.Background(), metaOf(msg))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Replied || outcome.Reason != filter.ReasonMultipleReplyMarkers {
		t.Fatalf("outcome %+v, want skip with multiple_reply_markers", outcome)
	}
	if len(fake.sent) != 0 {
		t.Fatal("send ran for a reply-loop subject")
	}
}

func TestTooOldRejected(t *testing.T) {
	fake := newFake()
	msg := fake.messages["M1"]
	msg.Received = testClock().Add(-25 * time.Hour)
	fake.messages["M1"] = msg
	svc := newService(fake, nil)

	outcome, err := svc.ProcessMessage(context.Background(), metaOf(msg))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if outcome.Replied || outcome.Reason != filter.ReasonTooOld {
		t.Fatalf("outcome %+v, want skip with too_old", outcome)
	}
}

func TestSendFailureLeavesMessageUnlabeled(t *testing.T) {
	fake := newFake()
	fake.sendErr = errors.New("permission denied")
	svc := newService(fake, nil)

	_, err := svc.ProcessMessage(context.Background(), metaOf(fake.messages["M1"]))
	if err == nil {
		t.Fatal("expected send failure to surface")
	}
	var sendErr *dispatch.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error %v, want *dispatch.SendError", err)
	}
	if len(fake.labeled) != 0 {
		t.Fatal("label applied despite failed send")
	}
}

func TestGenerationFailureFallsBackToStaticReply(t *testing.T) {
	fake := newFake()
	svc := newService(fake, failingGenerator{})

	outcome, err := svc.ProcessMessage(context.Background(), metaOf(fake.messages["M1"]))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !outcome.Replied {
		t.Fatalf("outcome %+v, want a reply", outcome)
	}
	if len(fake.sent) != 1 || !strings.Contains(fake.sent[0].raw, "technical difficulties") {
		t.Fatal("fallback text not sent after generation failure")
	}
}

func TestCandidateFailureDoesNotAbortBatch(t *testing.T) {
	fake := newFake()
	msg2 := inboundMessage("second question")
	msg2.ID = "M2"
	msg2.Thread = "T2"
	fake.messages["M2"] = msg2
	fake.history["100"] = []mailbox.ChangeRecord{{Added: []mailbox.MessageID{"missing", "M1", "M2"}}}

	svc := newService(fake, nil)
	if err := svc.HandleNotification(context.Background(), notification()); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(fake.sent) != 2 {
		t.Fatalf("sends = %d, want both surviving candidates replied", len(fake.sent))
	}
}

type generatorFunc func() (string, error)

func (g generatorFunc) Generate(context.Context, generate.Request) (string, error) {
	return g()
}

func metaOf(msg mailbox.Message) mailbox.MessageMeta {
	return mailbox.MessageMeta{ID: msg.ID, Thread: msg.Thread, Labels: msg.Labels, Headers: msg.Headers}
}
