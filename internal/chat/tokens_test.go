package chat

import "testing"

func TestEstimateTextTokens(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},
		{"hell", 1},
		{"hello", 2},
		{"héllo wörld!", 3},
	}
	for _, tc := range cases {
		if got := EstimateTextTokens(tc.text); got != tc.want {
			t.Fatalf("EstimateTextTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateImageTokensTiers(t *testing.T) {
	cases := []struct {
		byteSize int64
		want     int
	}{
		{0, 1032},
		{-1, 1032},
		{1024, 258},
		{512 << 10, 258},
		{(512 << 10) + 1, 516},
		{2 << 20, 516},
		{(2 << 20) + 1, 1032},
	}
	for _, tc := range cases {
		if got := EstimateImageTokens(tc.byteSize); got != tc.want {
			t.Fatalf("EstimateImageTokens(%d) = %d, want %d", tc.byteSize, got, tc.want)
		}
	}
}

func TestEstimateImageTokensMonotonic(t *testing.T) {
	prev := 0
	for _, size := range []int64{1, 1 << 10, 512 << 10, 1 << 20, 2 << 20, 8 << 20} {
		got := EstimateImageTokens(size)
		if got < prev {
			t.Fatalf("cost decreased at %d bytes: %d < %d", size, got, prev)
		}
		prev = got
	}
}

func TestEstimateTurnTokensIncludesOverhead(t *testing.T) {
	turn := Turn{Parts: []Part{TextPart("hello world!"), ImagePart("x", 1024)}}
	want := 4 + 3 + 258
	if got := EstimateTurnTokens(turn); got != want {
		t.Fatalf("EstimateTurnTokens() = %d, want %d", got, want)
	}
}
