package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/callscout-ai/voice-service/internal/domain"
)

// endCallMarker is the token the model is instructed to append when the
// conversation should end. It is stripped from the spoken text.
const endCallMarker = "[END_CALL]"

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prep domain.CallPrep, history []Message, lastUtterance string) (Reply, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemDirective(prep)})
	messages = append(messages, history...)
	if lastUtterance != "" && (len(history) == 0 || history[len(history)-1].Content != lastUtterance) {
		messages = append(messages, Message{Role: "user", Content: lastUtterance})
	}

	body, err := json.Marshal(chatRequest{
		Model:       g.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   200,
	})
	if err != nil {
		return Reply{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("reply: completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, fmt.Errorf("reply: completion returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Reply{}, fmt.Errorf("reply: malformed completion response: %w", err)
	}
	if parsed.Error != nil {
		return Reply{}, fmt.Errorf("reply: upstream error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Reply{}, fmt.Errorf("reply: completion returned no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	terminate := strings.Contains(text, endCallMarker)
	text = strings.TrimSpace(strings.ReplaceAll(text, endCallMarker, ""))
	if text == "" {
		return Reply{}, fmt.Errorf("reply: completion returned empty text")
	}
	return Reply{Text: text, Terminate: terminate}, nil
}

// systemDirective renders the call prep into the generator's system prompt.
func systemDirective(prep domain.CallPrep) string {
	var b strings.Builder
	b.WriteString("You are making a phone call on behalf of a customer. Speak naturally and keep every reply to one or two short sentences; this is a live phone conversation.\n")
	b.WriteString("Objective: " + prep.Objective + "\n")
	if prep.Script != "" {
		b.WriteString("Follow this script as a guide:\n" + prep.Script + "\n")
	}
	if len(prep.Variables) > 0 {
		b.WriteString("Context:\n")
		for key, value := range prep.Variables {
			b.WriteString("- " + key + ": " + value + "\n")
		}
	}
	if len(prep.RedFlags) > 0 {
		b.WriteString("End the call politely if any of these come up: " + strings.Join(prep.RedFlags, "; ") + "\n")
	}
	if len(prep.DisallowedTopics) > 0 {
		b.WriteString("Never discuss: " + strings.Join(prep.DisallowedTopics, "; ") + "\n")
	}
	b.WriteString("When you have what you need, or the person wants to stop, say a short goodbye and append " + endCallMarker + " to your reply.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
