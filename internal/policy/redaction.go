package policy

import (
	"regexp"

	"github.com/tdnguyen/chatgate/internal/chat"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns before a turn is persisted.
// The outbound provider payload is left untouched; only stored history is
// scrubbed.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactTurn returns a copy of the turn with every text part scrubbed.
// Image parts pass through unchanged.
func RedactTurn(t chat.Turn) (chat.Turn, bool) {
	var any bool
	parts := make([]chat.Part, len(t.Parts))
	for i, p := range t.Parts {
		if p.Kind == chat.PartText {
			scrubbed, changed := RedactPII(p.Text)
			p.Text = scrubbed
			any = any || changed
		}
		parts[i] = p
	}
	t.Parts = parts
	return t, any
}
