package ai

import (
	"errors"
	"testing"

	"ai-trading-engine/internal/model"
)

func TestStripMarkdownCodeBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain json untouched",
			input: `{"action":"approve"}`,
			want:  `{"action":"approve"}`,
		},
		{
			name:  "json fence",
			input: "```json\n{\"action\":\"approve\"}\n```",
			want:  `{"action":"approve"}`,
		},
		{
			name:  "bare fence",
			input: "```\n{\"action\":\"reject\"}\n```",
			want:  `{"action":"reject"}`,
		},
		{
			name:  "fence with surrounding whitespace",
			input: "  ```json\n{\"a\":1}\n```  ",
			want:  `{"a":1}`,
		},
		{
			name:  "prose left alone",
			input: "not a code block",
			want:  "not a code block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripMarkdownCodeBlock(tt.input)
			if got != tt.want {
				t.Errorf("stripMarkdownCodeBlock() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantAction model.AnalysisAction
		wantConf   float64
		wantErr    bool
	}{
		{
			name:       "approve with levels",
			raw:        `{"action":"approve","confidence":0.82,"rationale":"clean breakout","stop_loss":97.5,"take_profit":110}`,
			wantAction: model.ActionApprove,
			wantConf:   0.82,
		},
		{
			name:       "uppercase action normalized",
			raw:        `{"action":"REJECT","confidence":0.9,"rationale":"countertrend"}`,
			wantAction: model.ActionReject,
			wantConf:   0.9,
		},
		{
			name:       "neutral verdict",
			raw:        `{"action":"neutral","confidence":0.4,"rationale":"no edge"}`,
			wantAction: model.ActionNeutral,
			wantConf:   0.4,
		},
		{
			name:       "markdown fenced payload",
			raw:        "```json\n{\"action\":\"approve\",\"confidence\":0.75,\"rationale\":\"ok\"}\n```",
			wantAction: model.ActionApprove,
			wantConf:   0.75,
		},
		{
			name:    "not json",
			raw:     "I think this trade looks good.",
			wantErr: true,
		},
		{
			name:    "unknown action",
			raw:     `{"action":"maybe","confidence":0.5}`,
			wantErr: true,
		},
		{
			name:    "confidence above one",
			raw:     `{"action":"approve","confidence":1.5}`,
			wantErr: true,
		},
		{
			name:    "negative confidence",
			raw:     `{"action":"approve","confidence":-0.1}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnalysis("prov-1", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseAnalysis() expected error, got %+v", got)
				}
				var perr *ProviderError
				if !errors.As(err, &perr) {
					t.Fatalf("parseAnalysis() error type = %T, want *ProviderError", err)
				}
				if perr.Code != CodeInvalidResponse {
					t.Errorf("parseAnalysis() error code = %s, want %s", perr.Code, CodeInvalidResponse)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnalysis() unexpected error: %v", err)
			}
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got.Action, tt.wantAction)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if got.ProviderID != "prov-1" {
				t.Errorf("provider id = %s, want prov-1", got.ProviderID)
			}
		})
	}
}

func TestParseAnalysisLevels(t *testing.T) {
	got, err := parseAnalysis("prov-1", `{"action":"approve","confidence":0.8,"stop_loss":97.5,"take_profit":110.25}`)
	if err != nil {
		t.Fatalf("parseAnalysis() unexpected error: %v", err)
	}
	if got.StopLoss == nil || got.StopLoss.String() != "97.5" {
		t.Errorf("stop loss = %v, want 97.5", got.StopLoss)
	}
	if got.TakeProfit == nil || got.TakeProfit.String() != "110.25" {
		t.Errorf("take profit = %v, want 110.25", got.TakeProfit)
	}

	got, err = parseAnalysis("prov-1", `{"action":"neutral","confidence":0.5,"stop_loss":null}`)
	if err != nil {
		t.Fatalf("parseAnalysis() unexpected error: %v", err)
	}
	if got.StopLoss != nil {
		t.Errorf("stop loss = %v, want nil", got.StopLoss)
	}
}
