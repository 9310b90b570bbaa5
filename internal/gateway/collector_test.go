package gateway

import (
	"strings"
	"testing"
)

func TestDeltaCollectorCoalesces(t *testing.T) {
	c := NewDeltaCollector(24)
	var out []string
	for _, d := range []string{"Hel", "lo", " wor", "ld.", " This is a longer sentence that keeps going."} {
		out = append(out, c.Consume(d)...)
	}
	out = append(out, c.Finalize()...)

	joined := strings.Join(out, "")
	if joined != "Hello world. This is a longer sentence that keeps going." {
		t.Fatalf("reassembled = %q, lost or duplicated text", joined)
	}
	for _, seg := range out[:len(out)-1] {
		if seg == "" {
			t.Fatalf("empty segment emitted")
		}
	}
}

func TestDeltaCollectorFirstChunkIsEarly(t *testing.T) {
	c := NewDeltaCollector(40)
	out := c.Consume("Hello there.")
	if len(out) == 0 {
		t.Fatalf("first chunk should flush at the sentence boundary before minChars")
	}
}

func TestDeltaCollectorFinalizeFlushesRemainder(t *testing.T) {
	c := NewDeltaCollector(24)
	out := c.Consume("tail without punctuation")
	out = append(out, c.Finalize()...)
	if strings.Join(out, "") != "tail without punctuation" {
		t.Fatalf("Consume + Finalize = %v, want the full text", out)
	}
	if rest := c.Finalize(); len(rest) != 0 {
		t.Fatalf("second Finalize() = %v, want nothing left", rest)
	}
}
