package chat

import (
	"strings"
	"time"
)

// Role identifies who authored a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartKind identifies a content part variant.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one typed element of a turn's content. Insertion order is
// meaningful: it reconstructs the original interleaving of text and images.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	// URI points at an image the provider can fetch or that was pre-uploaded.
	URI string `json:"uri,omitempty"`
	// ByteSize is the declared image size, used for token tiering. Zero
	// means unknown and is charged at the top tier.
	ByteSize int64 `json:"byte_size,omitempty"`
}

// Turn is a single stored conversational exchange half.
type Turn struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Parts         []Part    `json:"parts"`
	Model         string    `json:"model,omitempty"`
	TokenEstimate int       `json:"token_estimate"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is the provider-agnostic payload unit the gateway sends upstream.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart builds an image part with a declared byte size.
func ImagePart(uri string, byteSize int64) Part {
	return Part{Kind: PartImage, URI: uri, ByteSize: byteSize}
}

// JoinText flattens the turn's text parts into one string for storage
// summaries and logs. Image parts contribute nothing.
func (t Turn) JoinText() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if p.Kind != PartText {
			continue
		}
		if sb.Len() > 0 && p.Text != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// HasImages reports whether the turn carries at least one image part.
func (t Turn) HasImages() bool {
	for _, p := range t.Parts {
		if p.Kind == PartImage {
			return true
		}
	}
	return false
}
