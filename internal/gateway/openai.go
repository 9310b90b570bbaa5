package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/reliability"
)

// OpenAIAdapter streams chat completions from an OpenAI-compatible API.
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAIAdapter(baseURL, apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		// No client timeout: per-request deadlines come from the caller's
		// context and must cover the whole stream.
		client: &http.Client{},
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaMessage struct {
	Role    string          `json:"role"`
	Content []oaContentPart `json:"content"`
}

type oaRequest struct {
	Model         string           `json:"model"`
	Messages      []oaMessage      `json:"messages"`
	Stream        bool             `json:"stream"`
	StreamOptions *oaStreamOptions `json:"stream_options,omitempty"`
}

type oaStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *OpenAIAdapter) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta DeltaHandler) (Result, error) {
	body, err := json.Marshal(oaRequest{
		Model:         model,
		Messages:      toOpenAIMessages(msgs),
		Stream:        true,
		StreamOptions: &oaStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fault.Wrap(fault.KindUpstreamUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		kind := reliability.KindForHTTPStatus(res.StatusCode)
		return Result{}, fault.New(kind, "openai status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}

	return consumeSSE(res.Body, onDelta, parseOpenAIChunk)
}

func toOpenAIMessages(msgs []chat.Message) []oaMessage {
	out := make([]oaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := oaMessage{Role: string(m.Role)}
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				om.Content = append(om.Content, oaContentPart{Type: "text", Text: p.Text})
			case chat.PartImage:
				om.Content = append(om.Content, oaContentPart{
					Type:     "image_url",
					ImageURL: &oaImageURL{URL: p.URI},
				})
			}
		}
		out = append(out, om)
	}
	return out
}

func parseOpenAIChunk(data []byte) (delta string, usage *Usage, err error) {
	var chunk oaStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", nil, fault.New(fault.KindInvalidResponse, "malformed stream chunk: %v", err)
	}
	if chunk.Usage != nil {
		usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
		}
	}
	if len(chunk.Choices) > 0 {
		delta = chunk.Choices[0].Delta.Content
	}
	return delta, usage, nil
}

// chunkParser extracts the text delta and optional usage from one SSE data
// payload.
type chunkParser func(data []byte) (delta string, usage *Usage, err error)

// consumeSSE drains a text/event-stream body, forwarding deltas as they
// arrive. The stream ends at the "[DONE]" sentinel or EOF.
func consumeSSE(body io.Reader, onDelta DeltaHandler, parse chunkParser) (Result, error) {
	var (
		sb    strings.Builder
		usage Usage
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		delta, u, err := parse([]byte(data))
		if err != nil {
			return Result{}, err
		}
		if u != nil {
			usage = *u
		}
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Result{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fault.Wrap(fault.KindInvalidResponse, fmt.Errorf("stream read: %w", err))
	}
	if sb.Len() == 0 {
		return Result{}, fault.New(fault.KindInvalidResponse, "stream ended with no content")
	}
	return Result{Text: sb.String(), Usage: usage}, nil
}
