package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tdnguyen/chatgate/internal/chat"
	"github.com/tdnguyen/chatgate/internal/fault"
	"github.com/tdnguyen/chatgate/internal/reliability"
)

// GeminiAdapter streams generations from the Gemini API.
type GeminiAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewGeminiAdapter(baseURL, apiKey string) *GeminiAdapter {
	return &GeminiAdapter{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

type gmPart struct {
	Text     string      `json:"text,omitempty"`
	FileData *gmFileData `json:"file_data,omitempty"`
}

type gmFileData struct {
	FileURI string `json:"file_uri"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmRequest struct {
	SystemInstruction *gmContent  `json:"system_instruction,omitempty"`
	Contents          []gmContent `json:"contents"`
}

type gmStreamChunk struct {
	Candidates []struct {
		Content gmContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (a *GeminiAdapter) Stream(ctx context.Context, model string, msgs []chat.Message, onDelta DeltaHandler) (Result, error) {
	body, err := json.Marshal(toGeminiRequest(msgs))
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, url.PathEscape(model), url.QueryEscape(a.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
		return Result{}, fault.New(kind, "gemini status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}

	return consumeSSE(res.Body, onDelta, parseGeminiChunk)
}

// toGeminiRequest maps normalized messages onto Gemini's contents format:
// the system prompt rides separately and the assistant role is "model".
func toGeminiRequest(msgs []chat.Message) gmRequest {
	var out gmRequest
	for _, m := range msgs {
		content := gmContent{Parts: toGeminiParts(m.Parts)}
		switch m.Role {
		case chat.RoleSystem:
			out.SystemInstruction = &gmContent{Parts: content.Parts}
			continue
		case chat.RoleAssistant:
			content.Role = "model"
		default:
			content.Role = "user"
		}
		out.Contents = append(out.Contents, content)
	}
	return out
}

func toGeminiParts(parts []chat.Part) []gmPart {
	out := make([]gmPart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case chat.PartText:
			out = append(out, gmPart{Text: p.Text})
		case chat.PartImage:
			out = append(out, gmPart{FileData: &gmFileData{FileURI: p.URI}})
		}
	}
	return out
}

func parseGeminiChunk(data []byte) (delta string, usage *Usage, err error) {
	var chunk gmStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", nil, fault.New(fault.KindInvalidResponse, "malformed stream chunk: %v", err)
	}
	if chunk.UsageMetadata != nil {
		usage = &Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}
	var sb strings.Builder
	for _, c := range chunk.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), usage, nil
}
