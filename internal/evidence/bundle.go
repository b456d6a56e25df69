package evidence

import (
	"encoding/json"
)

// Package evidence holds the per-run evidence bundle and the budget
// enforcer that shrinks an oversized bundle with staged, lossy reductions.

// tokensPerChar is the declared size approximation: serialized length
// divided by four. The same estimator is used for raw and final
// measurements so the ratios reported to callers are comparable.
const tokensPerChar = 4

// Bundle maps a collector's evidence key to its last successful result,
// decoded as a generic JSON object. A bundle is created once per tool-loop
// run and owned by that run until handed to the orchestrator.
type Bundle struct {
	Items    map[string]map[string]any `json:"items"`
	RawSizes map[string]int            `json:"raw_sizes"`
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{
		Items:    make(map[string]map[string]any),
		RawSizes: make(map[string]int),
	}
}

// Add records the latest successful result for a collector key, replacing
// any earlier result. The raw size estimate is captured at add time.
func (b *Bundle) Add(key string, payload map[string]any) {
	b.Items[key] = payload
	b.RawSizes[key] = EstimateTokens(payload)
}

// Len returns the number of evidence items currently held.
func (b *Bundle) Len() int { return len(b.Items) }

// EstimateTokens approximates the token footprint of any JSON-serializable
// value as serialized length / 4. Unserializable values estimate to zero.
func EstimateTokens(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(raw) / tokensPerChar
}

// estimate returns the current total token estimate for the bundle items.
func (b *Bundle) estimate() int {
	return EstimateTokens(b.Items)
}
