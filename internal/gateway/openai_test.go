package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
)

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}
}

func TestOpenAIStreamDeltasAndUsage(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo!"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		`[DONE]`,
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "test-key")
	var got []string
	res, err := a.Stream(context.Background(), "gpt-4o", []chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hi")}},
	}, func(d string) error {
		got = append(got, d)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if res.Text != "Hello!" {
		t.Fatalf("Text = %q, want Hello!", res.Text)
	}
	if res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 3 {
		t.Fatalf("Usage = %+v, want 12/3", res.Usage)
	}
	if strings.Join(got, "") != "Hello!" {
		t.Fatalf("deltas = %v, want concatenation Hello!", got)
	}
}

func TestOpenAIStreamFailureAfterChunks(t *testing.T) {
	// Server emits three chunks then closes without [DONE] and without
	// content on the last frame being parseable.
	srv := httptest.NewServer(func() http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			for i := 0; i < 3; i++ {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"c%d \"}}]}\n\n", i)
				flusher.Flush()
			}
			fmt.Fprint(w, "data: {not json\n\n")
			flusher.Flush()
		}
	}())
	defer srv.Close()

	a := NewOpenAIAdapter(srv.URL, "test-key")
	var got []string
	_, err := a.Stream(context.Background(), "gpt-4o", nil, func(d string) error {
		got = append(got, d)
		return nil
	})
	if !fault.Is(err, fault.KindInvalidResponse) {
		t.Fatalf("error kind = %v, want invalid_response", fault.KindOf(err))
	}
	if len(got) != 3 {
		t.Fatalf("delivered chunks before failure = %d, want 3", len(got))
	}
}

func TestOpenAIStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusUnauthorized, fault.KindAuthError},
		{http.StatusTooManyRequests, fault.KindRateLimited},
		{http.StatusServiceUnavailable, fault.KindUpstreamUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		a := NewOpenAIAdapter(srv.URL, "k")
		_, err := a.Stream(context.Background(), "m", nil, nil)
		srv.Close()
		if !fault.Is(err, tc.want) {
			t.Fatalf("status %d: error kind = %v, want %v", tc.status, fault.KindOf(err), tc.want)
		}
	}
}

func TestOpenAIMultimodalMapping(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleUser, Parts: []chat.Part{
			chat.TextPart("what is this"),
			chat.ImagePart("https://img.example/cat.png", 2048),
			chat.TextPart("thanks"),
		}},
	}
	out := toOpenAIMessages(msgs)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	parts := out[0].Content
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3 (order preserved)", len(parts))
	}
	if parts[0].Type != "text" || parts[1].Type != "image_url" || parts[2].Type != "text" {
		t.Fatalf("part order = %s,%s,%s, want text,image_url,text", parts[0].Type, parts[1].Type, parts[2].Type)
	}
	if parts[1].ImageURL == nil || parts[1].ImageURL.URL != "https://img.example/cat.png" {
		t.Fatalf("image part = %+v, want original URI", parts[1])
	}
}

func TestGeminiRequestMapping(t *testing.T) {
	msgs := []chat.Message{
		{Role: chat.RoleSystem, Parts: []chat.Part{chat.TextPart("be terse")}},
		{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart("hi"), chat.ImagePart("gs://b/img.png", 0)}},
		{Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart("hello")}},
	}
	req := toGeminiRequest(msgs)
	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "be terse" {
		t.Fatalf("system instruction = %+v, want be terse", req.SystemInstruction)
	}
	if len(req.Contents) != 2 {
		t.Fatalf("len(contents) = %d, want 2", len(req.Contents))
	}
	if req.Contents[0].Role != "user" || req.Contents[1].Role != "model" {
		t.Fatalf("roles = %s,%s, want user,model", req.Contents[0].Role, req.Contents[1].Role)
	}
	if req.Contents[0].Parts[1].FileData == nil {
		t.Fatalf("image part should map to file_data")
	}
}
