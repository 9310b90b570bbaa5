package assembler

import (
	"fmt"
	"time"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
)

// Assembler builds the bounded, provider-agnostic message list for one turn.
type Assembler struct {
	MaxTokens           int
	MaxTurns            int
	DefaultSystemPrompt string
	// TimestampPrefix prepends the submission time to the outbound user
	// message. The prefix is never persisted.
	TimestampPrefix bool

	now func() time.Time
}

func New(maxTokens, maxTurns int, defaultSystemPrompt string, timestampPrefix bool) *Assembler {
	return &Assembler{
		MaxTokens:           maxTokens,
		MaxTurns:            maxTurns,
		DefaultSystemPrompt: defaultSystemPrompt,
		TimestampPrefix:     timestampPrefix,
		now:                 time.Now,
	}
}

// Assemble produces [system, ...trimmed history, new turn]. History is
// dropped oldest-first until the token budget and the turn cap fit; the new
// turn and the system prompt are never dropped and turns are never split.
func (a *Assembler) Assemble(systemPrompt string, history []chat.Turn, newTurn chat.Turn) ([]chat.Message, error) {
	if systemPrompt == "" {
		systemPrompt = a.DefaultSystemPrompt
	}

	outbound := a.outboundTurn(newTurn)

	budget := a.MaxTokens
	budget -= chat.EstimateTextTokens(systemPrompt)
	newCost := chat.EstimateTurnTokens(outbound)
	if newCost > budget {
		return nil, fault.New(fault.KindPayloadTooLarge,
			"turn needs %d tokens but only %d remain after the system prompt", newCost, budget)
	}
	budget -= newCost

	// Walk history newest-first, admitting whole turns while they fit.
	maxHistory := a.MaxTurns - 1
	if maxHistory < 0 {
		maxHistory = 0
	}
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if len(history)-i > maxHistory {
			break
		}
		cost := history[i].TokenEstimate
		if cost == 0 {
			cost = chat.EstimateTurnTokens(history[i])
		}
		if cost > budget {
			break
		}
		budget -= cost
		start = i
	}

	msgs := make([]chat.Message, 0, len(history)-start+2)
	if systemPrompt != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Parts: []chat.Part{chat.TextPart(systemPrompt)}})
	}
	for _, t := range history[start:] {
		msgs = append(msgs, chat.Message{Role: t.Role, Parts: t.Parts})
	}
	msgs = append(msgs, chat.Message{Role: outbound.Role, Parts: outbound.Parts})
	return msgs, nil
}

// outboundTurn returns the provider copy of the new turn, with the optional
// timestamp prefix folded into its first text part.
func (a *Assembler) outboundTurn(t chat.Turn) chat.Turn {
	if !a.TimestampPrefix {
		return t
	}
	prefix := fmt.Sprintf("Current time: %s : ", a.now().UTC().Format("Monday, January 02, 2006 - 15:04:05"))
	parts := make([]chat.Part, len(t.Parts))
	copy(parts, t.Parts)
	prefixed := false
	for i, p := range parts {
		if p.Kind == chat.PartText {
			p.Text = prefix + p.Text
			parts[i] = p
			prefixed = true
			break
		}
	}
	if !prefixed {
		parts = append([]chat.Part{chat.TextPart(prefix)}, parts...)
	}
	t.Parts = parts
	return t
}
