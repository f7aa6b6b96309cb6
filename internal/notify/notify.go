// Package notify decodes inbound change-notification envelopes into a
// validated (account, history cursor) pair. Decoding is pure: no
// mailbox call is attempted until the payload is known to be usable.
package notify

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/awarman/replygate/internal/mailbox"
)

// ErrBadEnvelope marks failures in the outer push envelope: not JSON,
// no message, or no data field. The transport sent something that was
// never a notification.
var ErrBadEnvelope = errors.New("notify: malformed envelope")

// ErrBadPayload marks failures inside the data field: bad base64, bad
// inner JSON, or a missing required field.
var ErrBadPayload = errors.New("notify: malformed payload")

// Notification is a validated change notification.
type Notification struct {
	EmailAddress string
	History      mailbox.HistoryID
}

type envelope struct {
	Message      *pushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

type pushMessage struct {
	Data      string `json:"data"`
	MessageID string `json:"messageId"`
}

type payload struct {
	EmailAddress string `json:"emailAddress"`
	// HistoryID arrives as a JSON number from the provider but as a
	// string from some relays; accept both.
	HistoryID json.RawMessage `json:"historyId"`
}

// Decode parses a push envelope body and returns the notification it
// carries.
func Decode(body []byte) (Notification, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Message == nil {
		return Notification{}, fmt.Errorf("%w: no message", ErrBadEnvelope)
	}
	if env.Message.Data == "" {
		return Notification{}, fmt.Errorf("%w: no data in message", ErrBadEnvelope)
	}
	return DecodeData(env.Message.Data)
}

// DecodeData parses the base64-encoded JSON payload directly.
func DecodeData(data string) (Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: base64: %v", ErrBadPayload, err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: json: %v", ErrBadPayload, err)
	}
	addr := strings.TrimSpace(p.EmailAddress)
	cursor := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(p.HistoryID)), `"`))
	if cursor == "null" {
		cursor = ""
	}
	if addr == "" || cursor == "" {
		return Notification{}, fmt.Errorf("%w: missing email address or history id", ErrBadPayload)
	}
	return Notification{
		EmailAddress: addr,
		History:      mailbox.HistoryID(cursor),
	}, nil
}
