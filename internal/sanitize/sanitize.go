// Package sanitize scrubs text on both sides of generation: quoted
// history is stripped from inbound bodies before they reach the model,
// and generated replies are redacted before they reach the wire. Both
// passes are best-effort and never fail the pipeline.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxBodyLength caps how much inbound text is forwarded to generation.
const MaxBodyLength = 1500

const forwardMarker = "-------- Forwarded message --------"

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	digitRunPattern = regexp.MustCompile(`\d{8,}`)
	newlinePattern  = regexp.MustCompile(`\n{3,}`)
)

// StripQuoted removes quoted reply history from an inbound body.
// Lines beginning with ">" are dropped; an attribution line
// ("on ... wrote:"), a forwarded-message marker, or a "From:" line
// containing "@" ends the useful text entirely.
func StripQuoted(body string) string {
	if body == "" {
		return body
	}
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if strings.HasPrefix(lower, "on ") && strings.Contains(lower, "wrote:") {
			break
		}
		if strings.Contains(trimmed, forwardMarker) {
			break
		}
		if strings.HasPrefix(trimmed, "From:") && strings.Contains(trimmed, "@") {
			break
		}
		kept = append(kept, line)
	}
	text := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(text) > MaxBodyLength {
		text = text[:MaxBodyLength]
	}
	return text
}

// Redact masks addresses other than keepAddress and digit runs of 8 or
// more in generated text, and collapses runs of blank lines.
func Redact(text, keepAddress string) string {
	if text == "" {
		return text
	}
	keep := strings.ToLower(keepAddress)
	out := emailPattern.ReplaceAllStringFunc(text, func(match string) string {
		if keep != "" && strings.Contains(strings.ToLower(match), keep) {
			return match
		}
		return "[redacted-email]"
	})
	out = digitRunPattern.ReplaceAllString(out, "[redacted-number]")
	out = newlinePattern.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
