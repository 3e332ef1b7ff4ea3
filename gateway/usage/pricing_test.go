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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupExactMatch(t *testing.T) {
	p := DefaultPricing.Lookup("gpt-4o")
	assert.Equal(t, 0.0025, p.InputPer1K)
}

func TestLookupPrefixMatch(t *testing.T) {
	// Dated model releases should resolve to their base model pricing.
	p := DefaultPricing.Lookup("claude-3-5-sonnet-20241022")
	assert.Equal(t, 0.003, p.InputPer1K)

	// Longest prefix wins: gpt-4o-mini-2024 must not price as gpt-4o.
	p = DefaultPricing.Lookup("gpt-4o-mini-2024-07-18")
	assert.Equal(t, 0.00015, p.InputPer1K)
}

func TestLookupWildcardFallback(t *testing.T) {
	p := DefaultPricing.Lookup("some-unknown-model")
	assert.Equal(t, DefaultPricing["*"], p)
}

func TestCost(t *testing.T) {
	// 1000 prompt + 1000 completion tokens of gpt-4: $0.03 + $0.06
	cost := DefaultPricing.Cost("gpt-4", 1000, 1000)
	assert.InDelta(t, 0.09, cost, 1e-9)
}

func TestEstimateRequestCostUsesMaxTokens(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[],"max_tokens":100}`)
	est := DefaultPricing.EstimateRequestCost("gpt-4", body)

	promptTokens := len(body) / 4
	want := DefaultPricing.Cost("gpt-4", promptTokens, 100)
	assert.InDelta(t, want, est, 1e-9)
}

func TestEstimateRequestCostDefaultCompletion(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[]}`)
	est := DefaultPricing.EstimateRequestCost("gpt-4", body)

	want := DefaultPricing.Cost("gpt-4", len(body)/4, 1024)
	assert.InDelta(t, want, est, 1e-9)
}

func TestActualResponseCostOpenAIUsage(t *testing.T) {
	resp := []byte(`{"choices":[],"usage":{"prompt_tokens":200,"completion_tokens":50}}`)
	cost, prompt, completion := DefaultPricing.ActualResponseCost("gpt-4", resp, 0.5)

	assert.Equal(t, 200, prompt)
	assert.Equal(t, 50, completion)
	assert.InDelta(t, DefaultPricing.Cost("gpt-4", 200, 50), cost, 1e-9)
}

func TestActualResponseCostAnthropicUsage(t *testing.T) {
	resp := []byte(`{"content":[],"usage":{"input_tokens":100,"output_tokens":25}}`)
	cost, prompt, completion := DefaultPricing.ActualResponseCost("claude-3-haiku", resp, 0.5)

	assert.Equal(t, 100, prompt)
	assert.Equal(t, 25, completion)
	assert.InDelta(t, DefaultPricing.Cost("claude-3-haiku", 100, 25), cost, 1e-9)
}

func TestActualResponseCostFallsBackToEstimate(t *testing.T) {
	cost, _, _ := DefaultPricing.ActualResponseCost("gpt-4", []byte(`{"ok":true}`), 0.42)
	assert.Equal(t, 0.42, cost)

	cost, _, _ = DefaultPricing.ActualResponseCost("gpt-4", []byte(`not json`), 0.42)
	assert.Equal(t, 0.42, cost)
}
