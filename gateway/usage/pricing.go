// Copyright 2025 Tollgate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"encoding/json"
	"strings"
)

// ModelPricing contains pricing per 1K tokens for a model, in USD.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingTable maps model names (optionally prefix-matched) to pricing.
// The "*" entry is the fallback for unknown models.
type PricingTable map[string]ModelPricing

// DefaultPricing carries pricing for common LLM models.
// Prices are per 1K tokens in USD.
var DefaultPricing = PricingTable{
	// Anthropic
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	// OpenAI
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
	// Google
	"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	// Conservative fallback for unknown models
	"*": {InputPer1K: 0.01, OutputPer1K: 0.03},
}

// Lookup resolves pricing for a model. Exact match first, then the
// longest matching prefix (so "gpt-4o-2024-11-20" hits "gpt-4o"), then
// the wildcard entry.
func (t PricingTable) Lookup(model string) ModelPricing {
	model = strings.ToLower(model)
	if p, ok := t[model]; ok {
		return p
	}

	var best string
	for name := range t {
		if name != "*" && strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return t[best]
	}
	return t["*"]
}

// Cost computes the USD cost for a token count against the table.
func (t PricingTable) Cost(model string, promptTokens, completionTokens int) float64 {
	p := t.Lookup(model)
	return float64(promptTokens)/1000.0*p.InputPer1K + float64(completionTokens)/1000.0*p.OutputPer1K
}

// EstimateRequestCost produces the pre-flight cost estimate a spend cap
// is checked against. Prompt tokens are approximated from the request
// body length (~4 characters per token); completion tokens use
// max_tokens when the caller set it, otherwise a conservative default.
func (t PricingTable) EstimateRequestCost(model string, body []byte) float64 {
	promptTokens := len(body) / 4

	completionTokens := 1024
	var parsed struct {
		MaxTokens int `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.MaxTokens > 0 {
		completionTokens = parsed.MaxTokens
	}

	return t.Cost(model, promptTokens, completionTokens)
}

// ActualResponseCost extracts the provider-reported token usage from an
// upstream response body and prices it. Falls back to the estimate when
// the response carries no usage object (streaming, non-LLM upstreams).
func (t PricingTable) ActualResponseCost(model string, responseBody []byte, estimate float64) (float64, int, int) {
	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return estimate, 0, 0
	}

	// OpenAI reports prompt/completion, Anthropic reports input/output.
	prompt := parsed.Usage.PromptTokens
	if prompt == 0 {
		prompt = parsed.Usage.InputTokens
	}
	completion := parsed.Usage.CompletionTokens
	if completion == 0 {
		completion = parsed.Usage.OutputTokens
	}

	if prompt == 0 && completion == 0 {
		return estimate, 0, 0
	}
	return t.Cost(model, prompt, completion), prompt, completion
}
