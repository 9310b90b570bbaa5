package chat

import "unicode/utf8"

// Token estimation is a deterministic heuristic, not a tokenizer. Text is
// charged at ~4 characters per token (the cl100k rule of thumb); images are
// charged by size tier so that a larger image never costs less than a
// smaller one. The same numbers drive context trimming and the memory
// inspection endpoint, so they must stay stable across calls.
const (
	charsPerToken = 4

	// Per-turn framing overhead (role tag, separators).
	turnOverheadTokens = 4

	imageTokensSmall  = 258
	imageTokensMedium = 516
	imageTokensLarge  = 1032

	imageSmallMaxBytes  = 512 << 10
	imageMediumMaxBytes = 2 << 20
)

// EstimateTextTokens estimates tokens for a text fragment.
func EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateImageTokens assigns a size-tiered token cost to an image part.
// Unknown sizes (byteSize <= 0) are charged at the top tier.
func EstimateImageTokens(byteSize int64) int {
	switch {
	case byteSize <= 0:
		return imageTokensLarge
	case byteSize <= imageSmallMaxBytes:
		return imageTokensSmall
	case byteSize <= imageMediumMaxBytes:
		return imageTokensMedium
	default:
		return imageTokensLarge
	}
}

// EstimatePartTokens estimates tokens for one content part.
func EstimatePartTokens(p Part) int {
	switch p.Kind {
	case PartText:
		return EstimateTextTokens(p.Text)
	case PartImage:
		return EstimateImageTokens(p.ByteSize)
	default:
		return 0
	}
}

// EstimateTurnTokens estimates the full cost of a turn including framing.
func EstimateTurnTokens(t Turn) int {
	total := turnOverheadTokens
	for _, p := range t.Parts {
		total += EstimatePartTokens(p)
	}
	return total
}
