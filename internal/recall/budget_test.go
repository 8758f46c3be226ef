package recall

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBudgetEmpty(t *testing.T) {
	b := NewBudgetManager(100)
	assert.Equal(t, "", b.ApplyBudgetPrioritized(nil))
	assert.Equal(t, "", b.ApplyBudgetPrioritized([]BudgetEntry{{Priority: 1, Content: ""}}))
}

func TestBudgetKeepsHighestPriority(t *testing.T) {
	b := NewBudgetManager(20)
	out := b.ApplyBudgetPrioritized([]BudgetEntry{
		{Priority: 0.1, Content: "low priority entry that is long"},
		{Priority: 0.9, Content: "keep me"},
	})
	assert.Contains(t, out, "keep me")
	assert.NotContains(t, out, "low priority")
}

func TestBudgetJoinsInPriorityOrder(t *testing.T) {
	b := NewBudgetManager(100)
	out := b.ApplyBudgetPrioritized([]BudgetEntry{
		{Priority: 0.2, Content: "second"},
		{Priority: 0.8, Content: "first"},
	})
	assert.Equal(t, "first\n\nsecond", out)
}

func TestBudgetInsertionOrderWrapper(t *testing.T) {
	b := NewBudgetManager(100)
	out := b.ApplyBudget([]string{"one", "two", "three"})
	assert.Equal(t, "one\n\ntwo\n\nthree", out)
}

// Property: output length never exceeds the bound, marker included.
func TestBudgetBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)

	contentGen := gen.SliceOf(gen.OneConstOf(
		"short",
		strings.Repeat("x", 40),
		strings.Repeat("y", 200),
		"",
		"medium sized content entry",
	))

	properties.Property("len(result) <= max_chars", prop.ForAll(
		func(contents []string, maxChars int) bool {
			b := NewBudgetManager(maxChars)
			entries := make([]BudgetEntry, len(contents))
			for i, c := range contents {
				entries[i] = BudgetEntry{Priority: float64(i%7) / 7.0, Content: c}
			}
			return len(b.ApplyBudgetPrioritized(entries)) <= b.MaxChars()
		},
		contentGen, gen.IntRange(1, 400),
	))

	properties.TestingRun(t)
}
