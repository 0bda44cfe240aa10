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

const groqBaseURL = "https://api.groq.com"

// GroqProvider talks to the Groq chat completions API (OpenAI-compatible).
type GroqProvider struct {
	id         string
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGroqProvider(id, modelName, apiKey string) *GroqProvider {
	return &GroqProvider{
		id:      id,
		model:   modelName,
		apiKey:  apiKey,
		baseURL: groqBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (p *GroqProvider) ID() string { return p.id }

// Groq API request/response structures
type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type groqResponse struct {
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

func (p *GroqProvider) Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error) {
	reqBody := groqRequest{
		Model: p.model,
		Messages: []groqMessage{
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/openai/v1/chat/completions", bytes.NewBuffer(jsonData))
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

	var groqResp groqResponse
	if err := json.Unmarshal(body, &groqResp); err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "failed to parse response", Err: err}
	}
	if groqResp.Error != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("API error: %s", groqResp.Error.Message)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	if len(groqResp.Choices) == 0 {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "empty response from API"}
	}

	return parseAnalysis(p.id, groqResp.Choices[0].Message.Content)
}
