package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions wire format, which also covers
// OpenAI-compatible gateways via BaseURL.
type OpenAIProvider struct {
	apiKey       string
	baseURL      string
	model        string
	plannerModel string
	client       *http.Client
}

type OpenAIOption func(*OpenAIProvider)

// WithPlannerModel routes planner requests to a different model.
func WithPlannerModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.plannerModel = model }
}

func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

func NewOpenAIProvider(apiKey, model string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Model(role Role) string {
	if role == RolePlanner && p.plannerModel != "" {
		return p.plannerModel
	}
	return p.model
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Generate(ctx context.Context, role Role, messages []Message) (*Completion, error) {
	model := p.Model(role)
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Err: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := "request failed"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%s", msg)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode,
			Err: fmt.Errorf("empty choices")}
	}

	return &Completion{
		Text:             parsed.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
