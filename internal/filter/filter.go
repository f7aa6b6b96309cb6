// Package filter decides whether an inbound message is eligible for an
// automated reply. Evaluation is pure; rules run in a fixed order and
// the first failing rule names the rejection reason.
package filter

import (
	"strings"
	"time"

	"github.com/awarman/replygate/internal/mailbox"
)

// DefaultMaxAge bounds how far back a message may have arrived and
// still receive a reply.
const DefaultMaxAge = 24 * time.Hour

// Config carries the per-mailbox policy. It is passed in explicitly so
// tests and multi-tenant callers can override every knob.
type Config struct {
	// Alias is the receiving address; only mail addressed to it is
	// answered, and mail from it is never answered.
	Alias string
	// MaxAge is the reply window. Zero means DefaultMaxAge.
	MaxAge time.Duration
	// AllowedDomains, when non-empty, restricts senders to the listed
	// domains (case-insensitive substring match).
	AllowedDomains []string
}

func (c Config) maxAge() time.Duration {
	if c.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return c.MaxAge
}

// localPart returns the text before the @ of the alias.
func (c Config) localPart() string {
	alias := strings.ToLower(c.Alias)
	if i := strings.IndexByte(alias, '@'); i >= 0 {
		return alias[:i]
	}
	return alias
}

var autoReplyPhrases = []string{
	"auto-reply", "automatic reply", "auto reply", "out of office",
	"automated response", "do not reply", "noreply", "no-reply",
	"mailer-daemon", "mail delivery", "delivery status", "delivery failure",
	"undeliverable", "returned mail",
}

var spamKeywords = []string{
	"viagra", "casino", "lottery", "winner", "urgent", "click here", "free money",
}

var replyMarkers = []string{"re:", "fw:", "fwd:"}

// WithinAge reports whether the message arrived inside the reply
// window, boundary inclusive. An unknown receipt time fails closed.
func (c Config) WithinAge(received, now time.Time) bool {
	if received.IsZero() {
		return false
	}
	cutoff := now.Add(-c.maxAge())
	return !received.Before(cutoff)
}

// Evaluate runs the rule chain against one message.
func (c Config) Evaluate(msg mailbox.Message) Verdict {
	alias := strings.ToLower(c.Alias)
	from := strings.ToLower(msg.Header("From"))
	to := strings.ToLower(msg.Header("To"))
	subject := strings.ToLower(msg.Header("Subject"))
	body := strings.ToLower(msg.Body)

	if !strings.Contains(to, alias) {
		return deny(ReasonNotAddressedToAlias)
	}
	if strings.Contains(from, alias) {
		return deny(ReasonSelfLoopFromAddress)
	}
	if name := displayName(from); name != "" && strings.Contains(name, c.localPart()) {
		return deny(ReasonSelfLoopNameMatch)
	}
	if sender := bracketedAddress(from); sender != "" && strings.Contains(to, sender) {
		return deny(ReasonSelfLoopSenderEqualsRecipient)
	}
	if countMarkers(subject) >= 2 {
		return deny(ReasonMultipleReplyMarkers)
	}
	if v, ok := headerVerdict(msg); ok {
		return v
	}
	if containsAny(subject, autoReplyPhrases) || containsAny(body, autoReplyPhrases) {
		return deny(ReasonContentAutoReplyPhrase)
	}
	if len(c.AllowedDomains) > 0 && !domainAllowed(from, c.AllowedDomains) {
		return deny(ReasonSenderDomainNotWhitelisted)
	}
	if containsAny(subject, spamKeywords) || containsAny(body, spamKeywords) {
		return deny(ReasonSpamKeyword)
	}
	return allow()
}

// headerVerdict checks the explicit machine-generated-mail headers.
func headerVerdict(msg mailbox.Message) (Verdict, bool) {
	autoSubmitted := strings.ToLower(strings.TrimSpace(msg.Header("Auto-Submitted")))
	if autoSubmitted != "" && autoSubmitted != "no" {
		return deny(ReasonAutoSubmittedHeader), true
	}
	if strings.TrimSpace(msg.Header("X-Auto-Response-Suppress")) != "" {
		return deny(ReasonExplicitAutoReplyHeader), true
	}
	switch strings.ToLower(strings.TrimSpace(msg.Header("Precedence"))) {
	case "bulk", "auto_reply", "junk":
		return deny(ReasonPrecedenceHeader), true
	}
	if strings.TrimSpace(msg.Header("X-Autoreply")) != "" ||
		strings.TrimSpace(msg.Header("X-Autorespond")) != "" {
		return deny(ReasonExplicitAutoReplyHeader), true
	}
	return Verdict{}, false
}

func countMarkers(subject string) int {
	total := 0
	for _, marker := range replyMarkers {
		total += strings.Count(subject, marker)
	}
	return total
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// displayName returns the text preceding <...> in a From header, or ""
// when the header has no bracketed address.
func displayName(from string) string {
	i := strings.IndexByte(from, '<')
	if i < 0 || !strings.Contains(from, ">") {
		return ""
	}
	return strings.TrimSpace(from[:i])
}

// bracketedAddress returns the address inside <...>, or "" when absent.
func bracketedAddress(from string) string {
	start := strings.IndexByte(from, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(from[start:], '>')
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(from[start+1 : start+end])
}

func domainAllowed(from string, allowed []string) bool {
	domain := ""
	if i := strings.LastIndexByte(from, '@'); i >= 0 {
		domain = from[i+1:]
		domain = strings.TrimRight(domain, ">")
	}
	for _, d := range allowed {
		if strings.Contains(domain, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

// NormalizeAddress lowercases an address and strips any display-name
// wrapper, for stable comparison against directory records.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if inner := bracketedAddress(addr); inner != "" {
		return inner
	}
	return addr
}
