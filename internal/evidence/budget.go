package evidence

import "sort"

// Budget enforcement applies an ordered, irreversible reduction policy and
// stops as soon as the bundle fits:
//
//  1. Drop the oldest entries from the largest time-series-shaped item
//     (the most recent events carry the diagnostic signal).
//  2. Replace verbose policy documents with a minimal statement-id list.
//  3. Replace the smallest remaining item outright with a dropped marker.
//
// A budget <= 0 means unlimited: the bundle is returned unchanged and the
// report marks the enforcement as skipped.

// ReductionReport describes what Enforce did to a bundle.
type ReductionReport struct {
	Skipped     bool                      `json:"skipped"`
	RawTokens   int                       `json:"raw_tokens"`
	FinalTokens int                       `json:"final_tokens"`
	Budget      int                       `json:"budget"`
	Truncated   bool                      `json:"truncated"`
	Details     map[string]map[string]any `json:"details,omitempty"`
}

// Enforce reduces the bundle in place until it fits the token budget, and
// reports raw/final sizes measured with the shared estimator.
func Enforce(b *Bundle, budget int) *ReductionReport {
	report := &ReductionReport{
		Budget:  budget,
		Details: make(map[string]map[string]any),
	}
	for _, size := range b.RawSizes {
		report.RawTokens += size
	}

	if budget <= 0 {
		report.Skipped = true
		report.FinalTokens = b.estimate()
		return report
	}

	dropOldestEvents(b, budget, report.Details)
	if b.estimate() > budget {
		trimPolicyDocuments(b, budget, report.Details)
	}
	if b.estimate() > budget {
		dropSmallestItems(b, budget, report.Details)
	}

	report.FinalTokens = b.estimate()
	report.Truncated = len(report.Details) > 0
	return report
}

// dropOldestEvents removes entries from the front of the largest
// time-ordered "events" slice until the bundle fits or the slice drains.
func dropOldestEvents(b *Bundle, budget int, details map[string]map[string]any) {
	if b.estimate() <= budget {
		return
	}

	key := ""
	largest := -1
	for k, item := range b.Items {
		events, ok := item["events"].([]any)
		if !ok || len(events) == 0 {
			continue
		}
		if size := EstimateTokens(item); size > largest {
			largest = size
			key = k
		}
	}
	if key == "" {
		return
	}

	events := b.Items[key]["events"].([]any)
	dropped := 0
	for len(events) > 0 && b.estimate() > budget {
		events = events[1:]
		b.Items[key]["events"] = events
		dropped++
	}
	if dropped > 0 {
		details[key] = map[string]any{"events_dropped": dropped}
	}
}

// trimPolicyDocuments replaces full policy bodies under "inline_policies"
// with a minimal statement-id list.
func trimPolicyDocuments(b *Bundle, budget int, details map[string]map[string]any) {
	for key, item := range b.Items {
		if b.estimate() <= budget {
			return
		}
		policies, ok := item["inline_policies"].(map[string]any)
		if !ok {
			continue
		}
		replaced := 0
		for name, doc := range policies {
			docMap, ok := doc.(map[string]any)
			if !ok {
				continue
			}
			statements, ok := docMap["Statement"].([]any)
			if !ok {
				continue
			}
			ids := make([]any, 0, len(statements))
			for _, st := range statements {
				id := "unnamed"
				if stMap, ok := st.(map[string]any); ok {
					if sid, ok := stMap["Sid"].(string); ok && sid != "" {
						id = sid
					}
				}
				ids = append(ids, id)
			}
			policies[name] = map[string]any{"statement_ids": ids}
			replaced++
		}
		if replaced > 0 {
			details[key] = map[string]any{"trimmed": true}
		}
	}
}

// dropSmallestItems replaces whole items with a dropped marker, smallest
// first, until the bundle fits or nothing reducible remains.
func dropSmallestItems(b *Bundle, budget int, details map[string]map[string]any) {
	type sized struct {
		key  string
		size int
	}
	var candidates []sized
	for k, item := range b.Items {
		if _, alreadyDropped := item["dropped"]; alreadyDropped && len(item) == 1 {
			continue
		}
		candidates = append(candidates, sized{key: k, size: EstimateTokens(item)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].size < candidates[j].size })

	for _, c := range candidates {
		if b.estimate() <= budget {
			return
		}
		b.Items[c.key] = map[string]any{"dropped": true}
		if d, ok := details[c.key]; ok {
			d["dropped"] = true
		} else {
			details[c.key] = map[string]any{"dropped": true}
		}
	}
}
