package costguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPCaller speaks the chat-completion wire protocol to each provider.
// Groq, DeepSeek, and OpenAI share the OpenAI-compatible shape; Anthropic
// uses its messages endpoint.
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller wraps an HTTP client. Per-call deadlines come from the
// request context; the client itself carries no timeout.
func NewHTTPCaller(client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCaller{client: client}
}

// Call issues one completion round-trip and returns the text plus token
// usage as reported by the provider.
func (c *HTTPCaller) Call(ctx context.Context, p *Provider, model string, maxTokens int, temperature float64, system string, messages []Message) (string, int, int, error) {
	if p.ID == "anthropic" {
		return c.callAnthropic(ctx, p, model, maxTokens, temperature, system, messages)
	}
	return c.callOpenAI(ctx, p, model, maxTokens, temperature, system, messages)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPCaller) callOpenAI(ctx context.Context, p *Provider, model string, maxTokens int, temperature float64, system string, messages []Message) (string, int, int, error) {
	all := make([]Message, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		all = append(all, Message{Role: "system", Content: system})
	}
	all = append(all, messages...)
	body, err := json.Marshal(chatRequest{Model: model, Messages: all, MaxTokens: maxTokens, Temperature: temperature})
	if err != nil {
		return "", 0, 0, err
	}
	url := strings.TrimRight(p.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != "" {
		req.Header.Set("Authorization", "Bearer "+p.key)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("costguard: %s request: %w", p.ID, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, 0, err
	}
	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", 0, 0, fmt.Errorf("costguard: %s response: %w", p.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", 0, 0, fmt.Errorf("costguard: %s declined (%d): %s", p.ID, resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("costguard: %s returned no choices", p.ID)
	}
	return parsed.Choices[0].Message.Content, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPCaller) callAnthropic(ctx context.Context, p *Provider, model string, maxTokens int, temperature float64, system string, messages []Message) (string, int, int, error) {
	body, err := json.Marshal(anthropicRequest{Model: model, System: system, Messages: messages, MaxTokens: maxTokens, Temperature: temperature})
	if err != nil {
		return "", 0, 0, err
	}
	url := strings.TrimRight(p.URL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if p.key != "" {
		req.Header.Set("x-api-key", p.key)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("costguard: anthropic request: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, 0, err
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", 0, 0, fmt.Errorf("costguard: anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", 0, 0, fmt.Errorf("costguard: anthropic declined (%d): %s", resp.StatusCode, msg)
	}
	if len(parsed.Content) == 0 {
		return "", 0, 0, fmt.Errorf("costguard: anthropic returned no content")
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		text.WriteString(block.Text)
	}
	return text.String(), parsed.Usage.InputTokens, parsed.Usage.OutputTokens, nil
}
