// Package directory looks up sender identity against the external
// customer directory. A missing, mismatched, or unreachable record is
// never an error to the caller: the sender is simply unverified and
// the reply proceeds without customer context.
package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/awarman/replygate/internal/filter"
)

// DefaultTimeout bounds the lookup call so a stuck directory cannot
// hold a notification handler.
const DefaultTimeout = 10 * time.Second

// Record is a verified customer entry.
type Record struct {
	Email   string
	Name    string
	Balance int64
	// HasBalance distinguishes a zero balance from an absent field.
	HasBalance bool
}

type response struct {
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Verified *bool      `json:"is_nasabah"`
	Saldo    *int64     `json:"saldo"`
	Balance  *int64     `json:"balance"`
	Data     []response `json:"data"`
}

// Client calls the directory lookup endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
	HTTP    *http.Client
}

// New constructs a Client with the default timeout.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Logger:  logger,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
	}
}

// Lookup normalizes the address and queries the directory. It returns
// nil when the sender is not a verified customer, for whatever reason;
// the error return is reserved for a nil client misconfiguration.
func (c *Client) Lookup(ctx context.Context, email string) *Record {
	normalized := filter.NormalizeAddress(email)
	if normalized == "" || c.BaseURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL, nil)
	if err != nil {
		c.Logger.WarnContext(ctx, "directory request build failed", "error", err)
		return nil
	}
	q := url.Values{"email": {normalized}}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("Accept", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		c.Logger.WarnContext(ctx, "directory lookup failed, treating sender as unverified", "error", err)
		return nil
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil
	case res.StatusCode != http.StatusOK:
		c.Logger.WarnContext(ctx, "directory returned unexpected status", "status", res.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		c.Logger.WarnContext(ctx, "directory response read failed", "error", err)
		return nil
	}
	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.Logger.WarnContext(ctx, "directory response decode failed", "error", err)
		return nil
	}
	return matchRecord(parsed, normalized)
}

// matchRecord handles the directory's three response shapes: a data
// array, an explicit verification flag, and a bare record. In every
// shape the returned email must match the one asked about.
func matchRecord(parsed response, normalized string) *Record {
	if len(parsed.Data) > 0 {
		return verify(parsed.Data[0], normalized)
	}
	if parsed.Verified != nil {
		if !*parsed.Verified {
			return nil
		}
		return toRecord(parsed, normalized)
	}
	if parsed.Email != "" {
		return verify(parsed, normalized)
	}
	return nil
}

func verify(r response, normalized string) *Record {
	if filter.NormalizeAddress(r.Email) != normalized {
		return nil
	}
	return toRecord(r, normalized)
}

func toRecord(r response, normalized string) *Record {
	rec := &Record{Email: normalized, Name: r.Name}
	switch {
	case r.Saldo != nil:
		rec.Balance, rec.HasBalance = *r.Saldo, true
	case r.Balance != nil:
		rec.Balance, rec.HasBalance = *r.Balance, true
	}
	return rec
}

// FormatBalance renders a balance with dot thousands separators, the
// way customer statements print it.
func FormatBalance(v int64) string {
	s := fmt.Sprintf("%d", v)
	neg := false
	if s[0] == '-' {
		neg, s = true, s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
