package ai

import (
	"fmt"

	"ai-trading-engine/internal/model"
)

// SystemPromptSignalReview instructs the model to vet a strategy signal
// before it reaches risk sizing.
const SystemPromptSignalReview = `You are an expert trading analyst reviewing automated strategy signals before execution.

Judge whether the proposed trade is sound given its entry, stop and target levels. You are a second opinion, not a signal generator: do not invent a different trade.

Your response must be in valid JSON format with the following structure:
{
  "action": "approve" | "reject" | "neutral",
  "confidence": 0.0-1.0,
  "rationale": "brief explanation",
  "stop_loss": number or null,
  "take_profit": number or null
}

Use "reject" when the setup looks unfavorable, "neutral" when you have no edge either way.
Only suggest adjusted stop_loss or take_profit when the signal's own levels are clearly misplaced.
Be conservative with confidence scores. Respond with JSON only, no extra text.`

// buildSignalPrompt renders the user message for one signal review.
func buildSignalPrompt(sig model.Signal) string {
	prompt := fmt.Sprintf(`Review the following %s signal:

Instrument: %s
Direction: %s
Entry price: %s
Stop loss: %s`,
		sig.Direction, sig.Instrument, sig.Direction, sig.Entry.String(), sig.Stop.String())

	if !sig.Target.IsZero() {
		prompt += fmt.Sprintf("\nTake profit: %s", sig.Target.String())
	}
	if sig.StrategyID != "" {
		prompt += fmt.Sprintf("\nOriginating strategy: %s", sig.StrategyID)
	}
	prompt += "\n\nRespond with the JSON structure described in your instructions."
	return prompt
}
