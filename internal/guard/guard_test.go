package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/awarman/replygate/internal/mailbox"
)

type fakeClient struct {
	mailbox.Client

	labelID     mailbox.LabelID
	ensureCalls int
	threadMetas []mailbox.MessageMeta
	threadErr   error
	addLabels   []mailbox.MessageID
}

func (f *fakeClient) EnsureLabel(context.Context, string) (mailbox.LabelID, error) {
	f.ensureCalls++
	return f.labelID, nil
}

func (f *fakeClient) AddLabel(_ context.Context, id mailbox.MessageID, _ mailbox.LabelID) error {
	f.addLabels = append(f.addLabels, id)
	return nil
}

func (f *fakeClient) GetThread(context.Context, mailbox.ThreadID, []string) ([]mailbox.MessageMeta, error) {
	return f.threadMetas, f.threadErr
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAlreadyRepliedCachesLabelLookup(t *testing.T) {
	fake := &fakeClient{labelID: "Label_7"}
	g := New(fake, nil, slogDiscard())
	ctx := context.Background()

	labeled := mailbox.MessageMeta{ID: "M1", Labels: []mailbox.LabelID{"Label_7"}}
	unlabeled := mailbox.MessageMeta{ID: "M2"}

	got, err := g.AlreadyReplied(ctx, labeled)
	if err != nil || !got {
		t.Fatalf("AlreadyReplied(labeled) = %v, %v", got, err)
	}
	got, err = g.AlreadyReplied(ctx, unlabeled)
	if err != nil || got {
		t.Fatalf("AlreadyReplied(unlabeled) = %v, %v", got, err)
	}
	if fake.ensureCalls != 1 {
		t.Fatalf("ensure calls = %d, want the label id cached after the first", fake.ensureCalls)
	}
}

func TestThreadHasReplyMatchesAlias(t *testing.T) {
	fake := &fakeClient{threadMetas: []mailbox.MessageMeta{
		{ID: "M1", Headers: map[string]string{"From": "Bob <bob@customer.com>"}},
		{ID: "M2", Headers: map[string]string{"From": "Support <SUPPORT+CS@example.com>"}},
	}}
	g := New(fake, nil, slogDiscard())

	if !g.ThreadHasReply(context.Background(), "T1", "support+cs@example.com") {
		t.Fatal("alias reply in thread not detected")
	}
}

func TestThreadHasReplyNoMatch(t *testing.T) {
	fake := &fakeClient{threadMetas: []mailbox.MessageMeta{
		{ID: "M1", Headers: map[string]string{"From": "Bob <bob@customer.com>"}},
	}}
	g := New(fake, nil, slogDiscard())

	if g.ThreadHasReply(context.Background(), "T1", "support+cs@example.com") {
		t.Fatal("detected a reply in a thread with none")
	}
}

func TestThreadScanFailsOpen(t *testing.T) {
	fake := &fakeClient{threadErr: errors.New("read timeout")}
	g := New(fake, nil, slogDiscard())

	if g.ThreadHasReply(context.Background(), "T1", "support+cs@example.com") {
		t.Fatal("scan failure must not block the send")
	}
}

func TestMarkReplied(t *testing.T) {
	fake := &fakeClient{labelID: "Label_7"}
	g := New(fake, nil, slogDiscard())

	if err := g.MarkReplied(context.Background(), "M1"); err != nil {
		t.Fatalf("MarkReplied failed: %v", err)
	}
	if len(fake.addLabels) != 1 || fake.addLabels[0] != "M1" {
		t.Fatalf("labeled %v, want M1 once", fake.addLabels)
	}
}
