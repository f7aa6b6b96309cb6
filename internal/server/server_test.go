package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/awarman/replygate/internal/mailbox"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type watchClient struct {
	mailbox.Client

	profile    mailbox.Profile
	profileErr error
	watch      mailbox.WatchInfo
	watchErr   error
	topic      string
}

func (c *watchClient) GetProfile(context.Context) (mailbox.Profile, error) {
	return c.profile, c.profileErr
}

func (c *watchClient) Watch(_ context.Context, topic string) (mailbox.WatchInfo, error) {
	c.topic = topic
	return c.watch, c.watchErr
}

func pushBody(email, history string) string {
	payload := fmt.Sprintf(`{"emailAddress":%q,"historyId":%q}`, email, history)
	data := base64.StdEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"m1"},"subscription":"sub"}`, data)
}

func do(t *testing.T, s *Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	res := rec.Result()
	var parsed map[string]any
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return res, parsed
}

func TestProcessRejectsMalformedEnvelope(t *testing.T) {
	s := &Server{Logger: slogDiscard()}
	res, body := do(t, s, http.MethodPost, "/process", `{"message":null}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	if body["status"] != "error" {
		t.Fatalf("body = %v", body)
	}
}

func TestProcessRejectsBadPayload(t *testing.T) {
	s := &Server{Logger: slogDiscard()}
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@x.com"}`))
	envelope := fmt.Sprintf(`{"message":{"data":%q,"messageId":"m1"}}`, data)
	res, _ := do(t, s, http.MethodPost, "/process", envelope)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestProcessTestModeAcknowledges(t *testing.T) {
	s := &Server{Logger: slogDiscard(), TestMode: true}
	res, body := do(t, s, http.MethodPost, "/process", pushBody("a@x.com", "100"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if body["email_address"] != "a@x.com" || body["history_id"] != "100" {
		t.Fatalf("body = %v", body)
	}
}

func TestProcessClientFailureIsRetryable(t *testing.T) {
	s := &Server{
		Logger: slogDiscard(),
		NewClient: func(context.Context) (mailbox.Client, error) {
			return nil, errors.New("secret unavailable")
		},
	}
	res, _ := do(t, s, http.MethodPost, "/process", pushBody("a@x.com", "100"))
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the push gets redelivered", res.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	s := &Server{Logger: slogDiscard()}
	res, body := do(t, s, http.MethodGet, "/healthz", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestWatchStatus(t *testing.T) {
	client := &watchClient{profile: mailbox.Profile{EmailAddress: "a@x.com", History: "4321"}}
	s := &Server{
		Logger:    slogDiscard(),
		NewClient: func(context.Context) (mailbox.Client, error) { return client, nil },
	}
	res, body := do(t, s, http.MethodGet, "/watch", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if body["watchActive"] != true || body["historyId"] != "4321" {
		t.Fatalf("body = %v", body)
	}
}

func TestWatchRenew(t *testing.T) {
	expires := time.Date(2024, time.March, 11, 0, 0, 0, 0, time.UTC)
	client := &watchClient{watch: mailbox.WatchInfo{History: "5000", Expires: expires}}
	s := &Server{
		Logger:    slogDiscard(),
		Topic:     "projects/p/topics/mail",
		NewClient: func(context.Context) (mailbox.Client, error) { return client, nil },
	}
	res, body := do(t, s, http.MethodPost, "/watch/renew", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if client.topic != "projects/p/topics/mail" {
		t.Fatalf("watch topic = %q", client.topic)
	}
	if body["historyId"] != "5000" {
		t.Fatalf("body = %v", body)
	}
	if int64(body["expiration"].(float64)) != expires.UnixMilli() {
		t.Fatalf("expiration = %v", body["expiration"])
	}
}

func TestWatchRenewFailure(t *testing.T) {
	client := &watchClient{watchErr: errors.New("push permission missing")}
	s := &Server{
		Logger:    slogDiscard(),
		NewClient: func(context.Context) (mailbox.Client, error) { return client, nil },
	}
	res, _ := do(t, s, http.MethodPost, "/watch/renew", "")
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
}
