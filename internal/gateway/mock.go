package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/tdnguyen/chatgate/internal/chat"
)

// MockAdapter streams a canned echo of the last user message. Used when no
// provider credentials are configured and in tests.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta DeltaHandler) (Result, error) {
	var last string
	for _, msg := range msgs {
		if msg.Role == chat.RoleUser {
			last = chat.Turn{Parts: msg.Parts}.JoinText()
		}
	}
	text := fmt.Sprintf("[%s] I heard: %s", model, strings.TrimSpace(last))

	// Stream in word-sized fragments to exercise the chunk path.
	var sb strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		sb.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{
		Text:  sb.String(),
		Usage: Usage{PromptTokens: len(msgs) * 8, CompletionTokens: len(text) / 4},
	}, nil
}
