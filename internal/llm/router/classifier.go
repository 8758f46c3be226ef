// Package router decides which provider tier handles a request: an
// embedding prototype classifier with a keyword fallback, and a router
// with a fixed escalation chain.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ConaryLabs/mira/internal/observability"
	"github.com/ConaryLabs/mira/internal/recall"
)

// TaskType partitions requests into code-leaning and reasoning-leaning work.
type TaskType int

const (
	TaskCode TaskType = iota
	TaskChat
)

func (t TaskType) String() string {
	if t == TaskCode {
		return "code"
	}
	return "chat"
}

// classificationMargin is the minimum mean-similarity gap for the embedding
// classifier to accept its own verdict.
const classificationMargin = 0.05

var codePrototypes = []string{
	"Fix this compilation error in the function",
	"Implement a method to handle user authentication",
	"Debug this stack trace and find the bug",
	"Refactor this code to use async/await",
	"error[E0308]: mismatched types in main.rs",
}

var chatPrototypes = []string{
	"Explain how this algorithm works",
	"What do you think about this approach?",
	"Help me understand the trade-offs here",
	"Walk me through the architecture decisions",
	"Discuss the pros and cons of microservices",
}

var codeKeywords = []string{
	"error[", "error:", "warning:",
	"fix", "refactor", "implement", "function", "method",
	"class", "struct", "enum", "trait", "impl",
	"bug", "compile", "syntax", "type error",
	"import", "export", "async", "await", "return",
	"fn ", "let ", "const ", "var ", "def ", "func ",
	"cargo", "npm", "pip", "go build",
	"undefined reference", "cannot find", "expected", "found",
	"stack trace", "panic", "segfault",
}

var chatKeywords = []string{
	"explain", "what is", "why does", "how does", "when should",
	"tell me about", "describe", "discuss", "analyze",
	"compare", "evaluate", "consider", "think about",
	"what do you think", "your opinion", "advice",
	"help me understand", "walk me through",
}

// Embedder is the slice of the embedding client the classifier needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Classifier assigns a TaskType to a request. Prototype vectors are
// computed once on first use, not per classification call.
type Classifier struct {
	embedder Embedder

	mu         sync.Mutex
	codeProtos [][]float32
	chatProtos [][]float32
}

func NewClassifier(embedder Embedder) *Classifier {
	return &Classifier{embedder: embedder}
}

// prime embeds the prototype sets once per process. A failed prime retries
// on the next classification instead of pinning the classifier to keywords
// forever.
func (c *Classifier) prime(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codeProtos != nil {
		return nil
	}
	all := append(append([]string{}, codePrototypes...), chatPrototypes...)
	vecs, err := c.embedder.EmbedBatch(ctx, all)
	if err != nil {
		return fmt.Errorf("embed prototypes: %w", err)
	}
	c.codeProtos = vecs[:len(codePrototypes)]
	c.chatProtos = vecs[len(codePrototypes):]
	return nil
}

// Classify runs the embedding classifier and falls back to keywords when
// the embedding verdict is ambiguous or the embedder is down.
func (c *Classifier) Classify(ctx context.Context, message string, hasProject bool) TaskType {
	log := observability.LoggerWithTrace(ctx)

	task, err := c.classifyWithEmbeddings(ctx, message)
	if err == nil {
		log.Debug().Str("task", task.String()).Msg("embedding_classification")
		return task
	}
	log.Debug().Err(err).Msg("embedding_classification_fallback")
	return ClassifyWithKeywords(message, hasProject)
}

func (c *Classifier) classifyWithEmbeddings(ctx context.Context, message string) (TaskType, error) {
	if err := c.prime(ctx); err != nil {
		return TaskChat, err
	}
	msgVec, err := c.embedder.Embed(ctx, message)
	if err != nil {
		return TaskChat, err
	}

	codeSim := meanSimilarity(msgVec, c.codeProtos)
	chatSim := meanSimilarity(msgVec, c.chatProtos)

	diff := codeSim - chatSim
	if diff < 0 {
		diff = -diff
	}
	if diff < classificationMargin {
		return TaskChat, fmt.Errorf("ambiguous: code=%.3f chat=%.3f", codeSim, chatSim)
	}
	if codeSim > chatSim {
		return TaskCode, nil
	}
	return TaskChat, nil
}

// ClassifyWithKeywords scores the message against the curated keyword
// lists. Ties prefer the higher-quality tier unless explicit code patterns
// or project context push toward code.
func ClassifyWithKeywords(message string, hasProject bool) TaskType {
	lower := strings.ToLower(message)

	codeScore := 0
	for _, kw := range codeKeywords {
		if strings.Contains(lower, kw) {
			codeScore++
		}
	}
	chatScore := 0
	for _, kw := range chatKeywords {
		if strings.Contains(lower, kw) {
			chatScore++
		}
	}

	switch {
	case codeScore > chatScore:
		return TaskCode
	case chatScore > codeScore:
		return TaskChat
	}

	// Tie. Explicit code patterns win, then project context.
	if strings.Contains(lower, "```") || strings.Contains(lower, "error[") || strings.Contains(lower, "fix this") {
		return TaskCode
	}
	if hasProject && codeScore >= 1 {
		return TaskCode
	}
	return TaskChat
}

func meanSimilarity(vec []float32, protos [][]float32) float64 {
	if len(protos) == 0 {
		return 0
	}
	var sum float64
	for _, p := range protos {
		sum += recall.CosineSimilarity(vec, p)
	}
	return sum / float64(len(protos))
}
