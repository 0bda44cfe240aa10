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

const geminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider talks to the Google Gemini generateContent API.
type GeminiProvider struct {
	id         string
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewGeminiProvider(id, modelName, apiKey string) *GeminiProvider {
	return &GeminiProvider{
		id:      id,
		model:   modelName,
		apiKey:  apiKey,
		baseURL: geminiBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (p *GeminiProvider) ID() string { return p.id }

// Gemini API request/response structures
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *GeminiProvider) Analyze(ctx context.Context, req AnalysisRequest) (model.AnalysisResult, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: buildSignalPrompt(req.Signal)}}},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: SystemPromptSignalReview}},
		},
		GenerationConfig: geminiGenConfig{Temperature: 0.2, MaxOutputTokens: 1024},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: "failed to marshal request", Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

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

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "failed to parse response", Err: err}
	}
	if geminiResp.Error != nil {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("API error %s: %s", geminiResp.Error.Status, geminiResp.Error.Message)}
	}
	if resp.StatusCode != http.StatusOK {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeProviderHTTP, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return model.AnalysisResult{}, &ProviderError{Provider: p.id, Code: CodeInvalidResponse, Message: "empty response from API"}
	}

	return parseAnalysis(p.id, geminiResp.Candidates[0].Content.Parts[0].Text)
}
