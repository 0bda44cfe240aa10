package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ai-trading-engine/internal/model"
)

const openAIBaseURL = "https://api.openai.com"

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	id         string
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewOpenAIProvider(id, modelName, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		id:      id,
		model:   modelName,
		apiKey:  apiKey,
		baseURL: openAIBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (p *OpenAIProvider) ID() string { return p.id }

// OpenAI API request/response structures
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error) {
	reqBody := openAIRequest{
		Model: p.model,
		Messages: []openAIMessage{
			{Role: "system", Content: SystemPromptSignalReview},
			{Role: "user", Content: buildSignalPrompt(req.Signal)},
		},
		MaxTokens:   1024,
		Temperature: 0.2,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		code := CodeProviderHTTP
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeProviderTimeout
		}
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: code, Message: "failed to send request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeRateLimited, Message: fmt.Sprintf("rate limited (HTTP %d)", resp.StatusCode)}
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "failed to parse response", Err: err}
	}
	if openAIResp.Error != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("API error: %s", openAIResp.Error.Message)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	if len(openAIResp.Choices) == 0 {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "empty response from API"}
	}

	return parseAnalysis(p.id, openAIResp.Choices[0].Message.Content)
}
