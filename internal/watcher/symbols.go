package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

// Symbol is one extracted declaration before it gets a database row.
type Symbol struct {
	Name       string
	Kind       string
	StartLine  int
	EndLine    int
	Signature  string
	Doc        string
	IsTest     bool
	IsAsync    bool
	Complexity int
	Calls      []callSite
}

type callSite struct {
	Callee string
	Line   int
}

// Import is one import line.
type Import struct {
	Path string
	Line int
}

// DetectLanguage maps a file extension to a language tag. Unknown
// extensions index as "unknown" and are still hashed.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".py":
		return "python"
	default:
		return "unknown"
	}
}

var (
	goFuncRe     = regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	goTypeRe     = regexp.MustCompile(`^type\s+([A-Za-z_][A-Za-z0-9_]*)\s+(struct|interface)\b`)
	rustFnRe     = regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`)
	rustTypeRe   = regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(struct|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyDefRe      = regexp.MustCompile(`^\s*(async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)`)
	pyClassRe    = regexp.MustCompile(`^\s*class\s+([A-Za-z_][A-Za-z0-9_]*)`)
	jsFuncRe     = regexp.MustCompile(`^\s*(?:export\s+)?(async\s+)?function\s*\*?\s*([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsClassRe    = regexp.MustCompile(`^\s*(?:export\s+)?class\s+([A-Za-z_$][A-Za-z0-9_$]*)`)
	jsArrowRe    = regexp.MustCompile(`^\s*(?:export\s+)?const\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=\s*(async\s+)?\(`)
	callRe       = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	branchTokens = []string{"if ", "if(", "for ", "for(", "while ", "while(", "case ", "match ", "switch ", "&&", "||", "elif ", "except "}
)

var callKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "match": true,
	"return": true, "func": true, "fn": true, "def": true, "catch": true,
	"new": true, "make": true, "len": true, "cap": true, "append": true,
	"print": true, "println": true,
}

// ExtractSymbols runs the per-language line scanner over file content and
// returns declarations with doc lines, complexity and outgoing calls.
func ExtractSymbols(content, path, language string) ([]Symbol, []Import) {
	lines := strings.Split(content, "\n")

	var symbols []Symbol
	var imports []Import
	isTestFile := strings.Contains(path, "_test.") || strings.Contains(path, ".test.") || strings.Contains(path, "test_")

	for i, line := range lines {
		lineNo := i + 1

		if imp := matchImport(line, language); imp != "" {
			imports = append(imports, Import{Path: imp, Line: lineNo})
			continue
		}

		name, kind, isAsync := matchDeclaration(line, language)
		if name == "" {
			continue
		}

		sym := Symbol{
			Name:      name,
			Kind:      kind,
			StartLine: lineNo,
			Signature: signatureHash(line),
			Doc:       docAbove(lines, i, language),
			IsAsync:   isAsync,
			IsTest:    isTestFile || strings.HasPrefix(name, "Test") || strings.HasPrefix(name, "test_"),
			Complexity: 1,
		}
		symbols = append(symbols, sym)
	}

	// End lines, complexity and call sites come from the span between
	// consecutive declarations.
	for idx := range symbols {
		start := symbols[idx].StartLine - 1
		end := len(lines)
		if idx+1 < len(symbols) {
			end = symbols[idx+1].StartLine - 1
		}
		symbols[idx].EndLine = end
		for j := start; j < end && j < len(lines); j++ {
			body := lines[j]
			for _, tok := range branchTokens {
				symbols[idx].Complexity += strings.Count(body, tok)
			}
			if j > start && (symbols[idx].Kind == "function" || symbols[idx].Kind == "method") {
				for _, m := range callRe.FindAllStringSubmatch(body, -1) {
					callee := m[1]
					if callKeywords[callee] || callee == symbols[idx].Name {
						continue
					}
					symbols[idx].Calls = append(symbols[idx].Calls, callSite{Callee: callee, Line: j + 1})
				}
			}
		}
	}

	return symbols, imports
}

func matchDeclaration(line, language string) (name, kind string, isAsync bool) {
	switch language {
	case "go":
		if m := goFuncRe.FindStringSubmatch(line); m != nil {
			kind = "function"
			if strings.HasPrefix(line, "func (") {
				kind = "method"
			}
			return m[1], kind, false
		}
		if m := goTypeRe.FindStringSubmatch(line); m != nil {
			return m[1], m[2], false
		}
	case "rust":
		if m := rustFnRe.FindStringSubmatch(line); m != nil {
			return m[2], "function", m[1] != ""
		}
		if m := rustTypeRe.FindStringSubmatch(line); m != nil {
			return m[2], m[1], false
		}
	case "python":
		if m := pyDefRe.FindStringSubmatch(line); m != nil {
			return m[2], "function", m[1] != ""
		}
		if m := pyClassRe.FindStringSubmatch(line); m != nil {
			return m[1], "class", false
		}
	case "typescript", "javascript":
		if m := jsFuncRe.FindStringSubmatch(line); m != nil {
			return m[2], "function", m[1] != ""
		}
		if m := jsClassRe.FindStringSubmatch(line); m != nil {
			return m[1], "class", false
		}
		if m := jsArrowRe.FindStringSubmatch(line); m != nil {
			return m[1], "function", m[2] != ""
		}
	}
	return "", "", false
}

func matchImport(line, language string) string {
	trimmed := strings.TrimSpace(line)
	switch language {
	case "go":
		if strings.HasPrefix(trimmed, `import "`) {
			return strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
		}
	case "rust":
		if strings.HasPrefix(trimmed, "use ") {
			return strings.TrimSuffix(strings.TrimPrefix(trimmed, "use "), ";")
		}
	case "python":
		if strings.HasPrefix(trimmed, "import ") {
			return strings.TrimPrefix(trimmed, "import ")
		}
		if strings.HasPrefix(trimmed, "from ") {
			if idx := strings.Index(trimmed, " import "); idx > 0 {
				return trimmed[5:idx]
			}
		}
	case "typescript", "javascript":
		if strings.HasPrefix(trimmed, "import ") {
			if idx := strings.LastIndex(trimmed, " from "); idx > 0 {
				return strings.Trim(strings.TrimSuffix(trimmed[idx+6:], ";"), `'"`)
			}
		}
	}
	return ""
}

func docAbove(lines []string, declIdx int, language string) string {
	var doc []string
	for i := declIdx - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		isDoc := strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "///") ||
			strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*")
		if language == "python" {
			isDoc = strings.HasPrefix(trimmed, "#")
		}
		if !isDoc {
			break
		}
		doc = append([]string{strings.TrimLeft(trimmed, "/#* ")}, doc...)
	}
	return strings.Join(doc, "\n")
}

func signatureHash(declLine string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(declLine)))
	return hex.EncodeToString(sum[:8])
}
