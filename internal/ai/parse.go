package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/model"
)

// Some models wrap JSON responses in markdown code fences despite being
// told not to.
var markdownCodeBlockRegex = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

func stripMarkdownCodeBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if matches := markdownCodeBlockRegex.FindStringSubmatch(trimmed); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return trimmed
}

// signalReview is the JSON payload every provider is prompted to return.
type signalReview struct {
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

// parseAnalysis validates raw provider output into an AnalysisResult.
// Any schema violation is an invalid-response error so the orchestrator
// fails over instead of trading on garbage.
func parseAnalysis(providerID, raw string) (model.AnalysisResult, error) {
	cleaned := stripMarkdownCodeBlock(raw)

	var review signalReview
	if err := json.Unmarshal([]byte(cleaned), &review); err != nil {
		return model.AnalysisResult{}, &ProviderError{
			Provider: providerID,
			Code:     CodeInvalidResponse,
			Message:  "response is not valid JSON",
			Err:      err,
		}
	}

	action := model.AnalysisAction(strings.ToLower(strings.TrimSpace(review.Action)))
	if !action.Valid() {
		return model.AnalysisResult{}, &ProviderError{
			Provider: providerID,
			Code:     CodeInvalidResponse,
			Message:  fmt.Sprintf("unrecognized action %q", review.Action),
		}
	}
	if review.Confidence < 0 || review.Confidence > 1 {
		return model.AnalysisResult{}, &ProviderError{
			Provider: providerID,
			Code:     CodeInvalidResponse,
			Message:  fmt.Sprintf("confidence %v outside [0, 1]", review.Confidence),
		}
	}

	result := model.AnalysisResult{
		Confidence: review.Confidence,
		Action:     action,
		Rationale:  strings.TrimSpace(review.Rationale),
		ProviderID: providerID,
	}
	if review.StopLoss != nil && *review.StopLoss > 0 {
		sl := decimal.NewFromFloat(*review.StopLoss)
		result.StopLoss = &sl
	}
	if review.TakeProfit != nil && *review.TakeProfit > 0 {
		tp := decimal.NewFromFloat(*review.TakeProfit)
		result.TakeProfit = &tp
	}
	return result, nil
}
