package operations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ConaryLabs/mira/internal/memory"
	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/persistence"
	"github.com/ConaryLabs/mira/internal/recall"
)

const defaultPersona = `You are Mira, a long-running local assistant with durable memory of this
workspace. Be direct and concrete. When prior context contradicts the user,
prefer the user.`

const fileTreeLimit = 120

// ContextBuilder composes system prompts. Stable sections (persona,
// corrections) come first so provider-side prompt caching can reuse them;
// volatile context comes after, and the latest turn is always last.
type ContextBuilder struct {
	pool   *persistence.Pool
	budget *recall.BudgetManager
}

func NewContextBuilder(pool *persistence.Pool, budget *recall.BudgetManager) *ContextBuilder {
	return &ContextBuilder{pool: pool, budget: budget}
}

// BuildSystemPrompt renders the full system prompt for one operation.
func (b *ContextBuilder) BuildSystemPrompt(ctx context.Context, projectID *int64, rc *recall.Context, codeHits []memory.SearchHit, fileTree string) string {
	var sb strings.Builder
	sb.WriteString(defaultPersona)

	if corrections := b.loadCorrections(ctx, projectID); corrections != "" {
		sb.WriteString("\n\n## Standing corrections\n")
		sb.WriteString(corrections)
	}

	var entries []recall.BudgetEntry
	if rc != nil {
		for _, e := range rc.Semantic {
			entries = append(entries, recall.BudgetEntry{
				Priority: e.Composite,
				Content:  fmt.Sprintf("[%s] %s", e.SourceHead, e.Entry.Content),
				Source:   string(e.SourceHead),
			})
		}
	}
	for i, hit := range codeHits {
		entries = append(entries, recall.BudgetEntry{
			Priority: 0.5 - float64(i)*0.01,
			Content:  fmt.Sprintf("[code] %s", hit.Content),
			Source:   "code",
		})
	}
	if contextBlock := b.budget.ApplyBudgetPrioritized(entries); contextBlock != "" {
		sb.WriteString("\n\n## Recalled context\n")
		sb.WriteString(contextBlock)
	}

	if fileTree != "" {
		sb.WriteString("\n\n## Project files\n")
		sb.WriteString(fileTree)
	}

	if rc != nil && len(rc.Recent) > 0 {
		sb.WriteString("\n\n## Recent conversation\n")
		for _, m := range rc.Recent {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
		}
	}

	return sb.String()
}

func (b *ContextBuilder) loadCorrections(ctx context.Context, projectID *int64) string {
	rows, err := b.pool.SearchMemoryFacts(ctx, projectID, "", 10)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("load_corrections_failed")
		return ""
	}
	var sb strings.Builder
	for _, f := range rows {
		sb.WriteString("- ")
		sb.WriteString(f[0])
		sb.WriteString(": ")
		sb.WriteString(f[1])
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// LoadFileTree renders a bounded listing of the project root for prompt
// context. Missing projects and unreadable roots degrade to "".
func (b *ContextBuilder) LoadFileTree(ctx context.Context, projectID *int64) string {
	if projectID == nil {
		return ""
	}
	proj, err := b.pool.GetProject(ctx, *projectID)
	if err != nil || proj == nil {
		return ""
	}

	var lines []string
	_ = filepath.WalkDir(proj.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules" || name == "target" || name == "vendor") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(proj.Path, path)
		if relErr != nil {
			return nil
		}
		lines = append(lines, rel)
		if len(lines) >= fileTreeLimit {
			return filepath.SkipAll
		}
		return nil
	})
	if len(lines) == 0 {
		return ""
	}
	if len(lines) >= fileTreeLimit {
		lines = append(lines, "…")
	}
	return strings.Join(lines, "\n")
}
