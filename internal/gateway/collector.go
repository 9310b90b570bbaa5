package gateway

import "strings"

// DeltaCollector coalesces token-sized deltas into phrase-ish chunks so
// downstream renderers don't receive a firehose of fragments.
type DeltaCollector struct {
	minChars int
	firstMin int

	pending string
	emitted string
}

func NewDeltaCollector(minChars int) *DeltaCollector {
	if minChars < 1 {
		minChars = 24
	}
	// Emit the first chunk early so the stream feels responsive; later
	// chunks can be larger for smoother flow.
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	return &DeltaCollector{minChars: minChars, firstMin: firstMin}
}

func (c *DeltaCollector) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

func (c *DeltaCollector) Finalize() []string {
	return c.flush(true)
}

func (c *DeltaCollector) flush(force bool) []string {
	var out []string
	for {
		threshold := c.minChars
		if c.emitted == "" {
			threshold = c.firstMin
		}

		segment, rest, ok := nextSegment(c.pending, threshold, force)
		if !ok {
			break
		}
		c.pending = rest
		if c.emitted == "" && len(out) == 0 {
			segment = strings.TrimLeft(segment, " \t\r\n")
		}
		if segment == "" {
			continue
		}
		out = append(out, segment)
		c.emitted += segment
	}
	return out
}

// nextSegment cuts the buffered text at a sentence boundary past minChars,
// or at a whitespace once the buffer runs long without punctuation.
func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if idx := boundaryAfterMin(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if len(input) >= minChars*2 {
		cut := whitespaceCut(input, minChars)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

func boundaryAfterMin(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func whitespaceCut(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + 20
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return minChars
}
