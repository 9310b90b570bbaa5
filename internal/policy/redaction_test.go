package policy

import (
	"strings"
	"testing"

	"github.com/tdnguyen/chatgate/internal/chat"
)

func TestRedactPIIEmail(t *testing.T) {
	out, changed := RedactPII("contact me at someone@example.com please")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "example.com") {
		t.Fatalf("email survived redaction: %q", out)
	}
}

func TestRedactPIINoMatch(t *testing.T) {
	in := "just a normal sentence"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = (%q, %v), want unchanged", in, out, changed)
	}
}

func TestRedactTurnScrubsTextOnly(t *testing.T) {
	turn := chat.Turn{
		Role: chat.RoleUser,
		Parts: []chat.Part{
			chat.TextPart("my card is 4111 1111 1111 1111"),
			chat.ImagePart("https://img.example/receipt.png", 1024),
		},
	}

	got, changed := RedactTurn(turn)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(got.Parts[0].Text, "4111") {
		t.Fatalf("card number survived: %q", got.Parts[0].Text)
	}
	if got.Parts[1].URI != "https://img.example/receipt.png" {
		t.Fatalf("image part should be untouched, got %+v", got.Parts[1])
	}
	// Original turn must not be mutated.
	if !strings.Contains(turn.Parts[0].Text, "4111") {
		t.Fatalf("input turn was mutated")
	}
}
