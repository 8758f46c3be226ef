package recall

import "sort"

const truncationMarker = "\n\n[Context truncated due to token limit]"

// BudgetEntry is one piece of context competing for prompt space.
type BudgetEntry struct {
	// Priority in [0,1]; higher survives truncation.
	Priority float64
	Content  string
	// Source labels where the entry came from (e.g. "semantic", "code").
	Source string
}

// BudgetManager bounds the characters injected into a system prompt.
type BudgetManager struct {
	maxChars int
}

func NewBudgetManager(maxChars int) *BudgetManager {
	if maxChars <= 0 {
		maxChars = 1500
	}
	return &BudgetManager{maxChars: maxChars}
}

// MaxChars reports the configured bound.
func (b *BudgetManager) MaxChars() int { return b.maxChars }

// ApplyBudgetPrioritized joins entries highest priority first until the
// budget is exhausted. The result, marker included, never exceeds MaxChars.
func (b *BudgetManager) ApplyBudgetPrioritized(entries []BudgetEntry) string {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Content != "" {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority > kept[j].Priority })

	var result string
	for _, e := range kept {
		add := len(e.Content)
		if result != "" {
			add += 2
		}
		if len(result)+add > b.maxChars {
			if b.maxChars-len(result) > len(truncationMarker) {
				result += truncationMarker
			}
			break
		}
		if result != "" {
			result += "\n\n"
		}
		result += e.Content
	}
	return result
}

// ApplyBudget keeps insertion order by assigning decreasing priorities.
func (b *BudgetManager) ApplyBudget(contexts []string) string {
	entries := make([]BudgetEntry, len(contexts))
	for i, c := range contexts {
		entries[i] = BudgetEntry{Priority: 1.0 - float64(i)*0.001, Content: c}
	}
	return b.ApplyBudgetPrioritized(entries)
}
