package markdown

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(p *StreamParser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	events = append(events, p.Flush()...)
	return events
}

// reassemble rebuilds the original stream from parser events, fences
// included.
func reassemble(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			sb.WriteString(ev.Delta)
		case EventCodeBlockStart:
			sb.WriteString("```")
			sb.WriteString(ev.Language)
			sb.WriteString("\n")
		case EventCodeBlockDelta:
			sb.WriteString(ev.Delta)
		case EventCodeBlockEnd:
			sb.WriteString("```")
		}
	}
	return sb.String()
}

func TestPlainText(t *testing.T) {
	events := collect(NewStreamParser(), "Hello world")
	require.Len(t, events, 11)
	for _, ev := range events {
		assert.Equal(t, EventTextDelta, ev.Type)
	}
	assert.Equal(t, "Hello world", reassemble(events))
}

func TestFencedReplyInSevenChunks(t *testing.T) {
	chunks := []string{"here:", "\n``", "`ru", "st\nfn f()", "{}", "\n``", "`\n"}
	events := collect(NewStreamParser(), chunks...)

	var kinds []EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}

	var starts, ends []Event
	var code strings.Builder
	var text strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case EventCodeBlockStart:
			starts = append(starts, ev)
		case EventCodeBlockEnd:
			ends = append(ends, ev)
		case EventCodeBlockDelta:
			code.WriteString(ev.Delta)
		case EventTextDelta:
			text.WriteString(ev.Delta)
		}
	}

	require.Len(t, starts, 1, "kinds: %v", kinds)
	require.Len(t, ends, 1)
	assert.Equal(t, "cb_1", starts[0].ID)
	assert.Equal(t, "rust", starts[0].Language)
	assert.Equal(t, starts[0].ID, ends[0].ID)
	assert.Equal(t, "fn f(){}\n", code.String())
	assert.Equal(t, "here:\n\n", text.String())
}

func TestSplitBackticks(t *testing.T) {
	events := collect(NewStreamParser(), "`", "`", "`", "js\n", "code\n", "```")
	var starts, ends int
	for _, ev := range events {
		switch ev.Type {
		case EventCodeBlockStart:
			starts++
		case EventCodeBlockEnd:
			ends++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
}

func TestTwoBackticksAtLineStartIsText(t *testing.T) {
	events := collect(NewStreamParser(), "``not a fence\n")
	for _, ev := range events {
		assert.Equal(t, EventTextDelta, ev.Type)
	}
	assert.Equal(t, "``not a fence\n", reassemble(events))
}

func TestInlineBackticksAreText(t *testing.T) {
	events := collect(NewStreamParser(), "use `code` here")
	for _, ev := range events {
		assert.Equal(t, EventTextDelta, ev.Type)
	}
	assert.Equal(t, "use `code` here", reassemble(events))
}

func TestUnclosedBlockClosedOnFlush(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed("```python\nprint('hi')")
	events = append(events, p.Flush()...)

	var ends int
	for _, ev := range events {
		if ev.Type == EventCodeBlockEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends, "unclosed block must close on flush")
}

func TestLanguageTagKeepsFirstToken(t *testing.T) {
	events := collect(NewStreamParser(), "```rust title=main.rs\ncode\n```\n")
	for _, ev := range events {
		if ev.Type == EventCodeBlockStart {
			assert.Equal(t, "rust", ev.Language)
			return
		}
	}
	t.Fatal("no code block start emitted")
}

func TestToolCallAccumulation(t *testing.T) {
	p := NewStreamParser()
	start := p.ToolCallStart("function", "call_1")
	assert.Equal(t, EventToolCallStart, start.Type)

	p.ToolCallChunk("search_codebase", `{"query":`)
	p.ToolCallChunk("", `"vector"}`)
	complete := p.ToolCallComplete()

	assert.Equal(t, EventToolCallComplete, complete.Type)
	assert.Equal(t, "call_1", complete.ID)
	assert.Equal(t, "search_codebase", complete.ToolName)
	assert.Equal(t, `{"query":"vector"}`, complete.ToolArgs)
}

func chunkedFeed(p *StreamParser, input string, stride int) []Event {
	var events []Event
	for i := 0; i < len(input); i += stride {
		end := i + stride
		if end > len(input) {
			end = len(input)
		}
		events = append(events, p.Feed(input[i:end])...)
	}
	events = append(events, p.Flush()...)
	return events
}

// Property: for streams without code fences, every character comes back as
// text regardless of chunk boundaries.
func TestParserFidelityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	// Up to two consecutive backticks: never a fence, always text.
	alphabet := gen.OneConstOf("a", "b", "`x", "``x", "\n", "rust", " ", "fn x()", "`` ", "x`y")
	streams := gen.SliceOf(alphabet).Map(func(parts []string) string {
		return strings.Join(parts, "")
	})

	properties.Property("fenceless fidelity under arbitrary chunking", prop.ForAll(
		func(input string, seed int) bool {
			events := chunkedFeed(NewStreamParser(), input, seed%5+1)
			return reassemble(events) == input
		},
		streams, gen.IntRange(0, 100),
	))

	properties.Property("block events balance after flush", prop.ForAll(
		func(parts []string, seed int) bool {
			input := strings.Join(parts, "")
			events := chunkedFeed(NewStreamParser(), input, seed%4+1)

			open := map[string]bool{}
			closed := map[string]bool{}
			for _, ev := range events {
				switch ev.Type {
				case EventCodeBlockStart:
					if open[ev.ID] {
						return false
					}
					open[ev.ID] = true
				case EventCodeBlockDelta:
					if !open[ev.ID] || closed[ev.ID] {
						return false
					}
				case EventCodeBlockEnd:
					if !open[ev.ID] || closed[ev.ID] {
						return false
					}
					closed[ev.ID] = true
				}
			}
			for id := range open {
				if !closed[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("text\n", "```go\n", "```", "\n", "code();\n", "`", "``\n")),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// Fenced inputs whose reassembly is exact: every block is closed and every
// language tag is a single token.
func TestParserFidelityFencedTable(t *testing.T) {
	inputs := []string{
		"```go\nfn main(){}\n```",
		"before\n```rust\nlet x = 1;\n``inner\nmore\n```",
		"```\nno language\n```",
		"a\n```py\nx\n```b\n```js\ny\n```",
	}
	for _, input := range inputs {
		for stride := 1; stride <= 7; stride++ {
			events := chunkedFeed(NewStreamParser(), input, stride)
			assert.Equal(t, input, reassemble(events), "stride %d input %q", stride, input)
		}
	}
}
