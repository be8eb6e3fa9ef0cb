package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/records"
)

const defaultChatModel = "gpt-4o-mini"

// systemPrompts is the per-type instruction table; every memory type has one.
var systemPrompts = map[capture.MemoryType]string{
	capture.MemoryTypeMoment: "You turn a short spoken note about a moment into a clean first-person journal entry. " +
		"Fix transcription errors and punctuation, keep the author's voice, invent nothing.",
	capture.MemoryTypeStory: "You turn a dictated personal story into a readable first-person narrative with paragraphs. " +
		"Keep every fact and name, remove filler words, invent nothing.",
	capture.MemoryTypeMemento: "You describe a keepsake object from the owner's note in two or three sentences. " +
		"Keep what the owner said about its origin and meaning, invent nothing.",
}

const answerFormat = `Answer with JSON only: {"title": "<at most 8 words>", "text": "<the rewritten entry in Markdown>"}`

// ChatGenerator calls an OpenAI-compatible chat completions endpoint.
type ChatGenerator struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

func NewChatGenerator(apiBase, apiKey, model string, timeout time.Duration) *ChatGenerator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultChatModel
	}
	return &ChatGenerator{
		apiKey:     strings.TrimSpace(apiKey),
		apiBase:    strings.TrimRight(strings.TrimSpace(apiBase), "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *ChatGenerator) Generate(ctx context.Context, in Input) (records.ProcessingOutput, error) {
	prompt, ok := systemPrompts[in.MemoryType]
	if !ok {
		return records.ProcessingOutput{}, fmt.Errorf("no prompt for memory type %q", in.MemoryType)
	}

	user := in.Text
	if len(in.Tags) > 0 {
		user += "\n\nTags: " + strings.Join(in.Tags, ", ")
	}
	requestBody := map[string]any{
		"model": g.model,
		"messages": []chatMessage{
			{Role: "system", Content: prompt + "\n" + answerFormat},
			{Role: "user", Content: user},
		},
		"temperature": 0.3,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return records.ProcessingOutput{}, fmt.Errorf("chat completions status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseChatResponse(body)
}

func parseChatResponse(body []byte) (records.ProcessingOutput, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return records.ProcessingOutput{}, fmt.Errorf("chat completions returned no choices")
	}

	content := stripCodeFence(apiResponse.Choices[0].Message.Content)
	var answer struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &answer); err != nil {
		return records.ProcessingOutput{}, fmt.Errorf("model answer is not the expected JSON: %w", err)
	}
	out := records.ProcessingOutput{
		ProcessedText: strings.TrimSpace(answer.Text),
		Title:         strings.TrimSpace(answer.Title),
	}
	if out.ProcessedText == "" && out.Title == "" {
		return records.ProcessingOutput{}, fmt.Errorf("model answer is empty")
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
