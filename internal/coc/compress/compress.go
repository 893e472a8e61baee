// Package compress implements the context compressor (spec §4.L):
// multi-strategy content compression with a documented token estimator and
// a compression quality score. Ported strategy-by-strategy from
// _examples/original_source/cortex/src/context/compressor.rs into
// line-oriented Go scanning (no regexp), matching the teacher's preference
// for explicit parsing loops over regex (see internal/skill/parser/yaml_parser.go).
package compress

import (
	"strings"
)

// Strategy selects how Compress reduces content (spec §4.L).
type Strategy string

const (
	StrategyNone             Strategy = "none"
	StrategyRemoveComments   Strategy = "remove_comments"
	StrategyRemoveWhitespace Strategy = "remove_whitespace"
	StrategySignaturesOnly   Strategy = "signatures_only"
	StrategySummarize        Strategy = "summarize"
	StrategyExtractKeyPoints Strategy = "extract_key_points"
	StrategyTreeShake        Strategy = "tree_shake"
	StrategyHybrid           Strategy = "hybrid"
	StrategyUltraCompact     Strategy = "ultra_compact"
)

const truncationMarker = "\n... [truncated]"

// charsPerToken is the documented BPE-like estimator: ~4 characters per
// token, same heuristic the original compressor uses. No real BPE
// vocabulary is specified by spec §4.L, only "a documented estimator", so
// this stays a plain heuristic rather than importing a tokenizer.
const charsPerToken = 4

var signaturePrefixes = []string{
	"func ", "pub func ", "async func ",
	"struct ", "pub struct ",
	"enum ", "pub enum ",
	"interface ", "type ", "class ",
}

var summaryKeywords = struct {
	structLike []string
	funcLike   []string
}{
	structLike: []string{"struct ", "pub struct ", "type ", "class "},
	funcLike:   []string{"func ", "pub func "},
}

var keyPointKeywords = []string{"struct", "enum", "interface", "func", "pub", "class", "type", "trait", "impl"}

var qualityKeywords = []string{"func", "struct", "impl", "pub", "type", "interface"}

// CompressedContent is the result of one Compress call.
type CompressedContent struct {
	Content      string
	Ratio        float64
	QualityScore float64
}

// Compressor applies Strategy-selected compression to content.
type Compressor struct {
	qualityThreshold float64
}

// New builds a Compressor. qualityThreshold is advisory (spec §4.L doesn't
// gate Compress on it; callers compare QualityScore themselves and re-try
// with a gentler strategy if it falls short).
func New(qualityThreshold float64) *Compressor {
	return &Compressor{qualityThreshold: qualityThreshold}
}

// QualityThreshold returns the configured advisory threshold.
func (c *Compressor) QualityThreshold() float64 { return c.qualityThreshold }

// Compress applies strategy to content, then truncates to targetTokens if
// the strategy alone didn't bring it under budget (spec §4.L).
func (c *Compressor) Compress(content string, strategy Strategy, targetTokens int) CompressedContent {
	originalTokens := countTokens(content)

	var compressed string
	switch strategy {
	case StrategyNone, "":
		compressed = content
	case StrategyRemoveComments:
		compressed = removeComments(content)
	case StrategyRemoveWhitespace:
		compressed = minimizeWhitespace(content)
	case StrategySignaturesOnly:
		compressed = extractSignatures(content)
	case StrategySummarize:
		compressed = summarize(content)
	case StrategyExtractKeyPoints:
		compressed = extractKeyPoints(content)
	case StrategyTreeShake:
		compressed = treeShake(content)
	case StrategyHybrid:
		compressed = hybridCompress(content, targetTokens)
	case StrategyUltraCompact:
		compressed = ultraCompact(content)
	default:
		compressed = content
	}

	compressedTokens := countTokens(compressed)
	ratio := 1.0
	if originalTokens > 0 {
		ratio = float64(compressedTokens) / float64(originalTokens)
	}
	quality := assessQuality(compressed, content)

	final := compressed
	if compressedTokens > targetTokens {
		final = truncateToBudget(compressed, targetTokens)
	}

	return CompressedContent{Content: final, Ratio: ratio, QualityScore: quality}
}

// removeComments strips line comments (// and #) and block comments
// (/* ... */, including ones spanning multiple lines).
func removeComments(content string) string {
	var out strings.Builder
	inBlock := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.Contains(trimmed, "/*") && strings.Contains(trimmed, "*/") {
			clean := stripInlineBlockComments(line)
			if strings.TrimSpace(clean) != "" {
				out.WriteString(clean)
				out.WriteByte('\n')
			}
			continue
		}

		if strings.HasPrefix(trimmed, "/*") || strings.Contains(line, "/*") {
			inBlock = true
		}
		if inBlock {
			if strings.HasSuffix(trimmed, "*/") || strings.Contains(line, "*/") {
				inBlock = false
			}
			continue
		}

		clean := line
		if pos := strings.Index(line, "//"); pos >= 0 {
			clean = line[:pos]
		}
		if strings.TrimSpace(clean) != "" {
			out.WriteString(clean)
			out.WriteByte('\n')
		}
	}
	return out.String()
}

func stripInlineBlockComments(line string) string {
	clean := line
	for {
		start := strings.Index(clean, "/*")
		if start < 0 {
			break
		}
		end := strings.Index(clean[start:], "*/")
		if end < 0 {
			break
		}
		clean = clean[:start] + clean[start+end+2:]
	}
	return clean
}

// minimizeWhitespace collapses runs of whitespace within each non-blank
// line and drops blank lines entirely.
func minimizeWhitespace(content string) string {
	var out strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out.WriteString(strings.Join(strings.Fields(trimmed), " "))
		out.WriteByte('\n')
	}
	return out.String()
}

// extractSignatures keeps only declaration headers (up to the opening
// brace or a trailing semicolon), dropping bodies entirely.
func extractSignatures(content string) string {
	var signatures []string
	var current strings.Builder
	braceDepth := 0
	inSignature := false

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if !inSignature && hasAnyPrefix(trimmed, signaturePrefixes) {
			inSignature = true
			current.Reset()
		}

		if !inSignature {
			continue
		}

		current.WriteString(trimmed)
		current.WriteByte(' ')

		for _, ch := range trimmed {
			switch ch {
			case '{':
				braceDepth++
				if braceDepth == 1 {
					signatures = append(signatures, strings.TrimSpace(current.String()))
					inSignature = false
					current.Reset()
				}
			case ';':
				if braceDepth == 0 {
					signatures = append(signatures, strings.TrimSpace(current.String()))
					inSignature = false
					current.Reset()
				}
			}
			if !inSignature {
				break
			}
		}
	}
	return strings.Join(signatures, "\n")
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// summarize produces a short natural-language description naming the
// structures and functions found in content.
func summarize(content string) string {
	var structures, functions []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if name, ok := extractName(trimmed, summaryKeywords.structLike); ok {
			structures = append(structures, name)
		} else if name, ok := extractName(trimmed, summaryKeywords.funcLike); ok {
			functions = append(functions, name)
		}
	}

	var parts []string
	if len(structures) > 0 {
		parts = append(parts, "Structures: "+strings.Join(structures, ", "))
	}
	if len(functions) > 0 {
		parts = append(parts, "Functions: "+strings.Join(functions, ", "))
	}
	return strings.Join(parts, "\n")
}

func extractName(trimmed string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
		fields := strings.FieldsFunc(rest, func(r rune) bool {
			return r == '(' || r == '{' || r == '<' || r == ' '
		})
		if len(fields) == 0 {
			return "", false
		}
		return fields[0], true
	}
	return "", false
}

// extractKeyPoints keeps only lines starting with a declaration keyword.
func extractKeyPoints(content string) string {
	var keyLines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, kw := range keyPointKeywords {
			if strings.HasPrefix(trimmed, kw) {
				keyLines = append(keyLines, line)
				break
			}
		}
	}
	return strings.Join(keyLines, "\n")
}

// treeShake removes obviously dead "if false { ... }" blocks.
func treeShake(content string) string {
	var result []string
	skipping := false
	braceDepth := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "if false") || strings.HasPrefix(trimmed, "if (false)") {
			skipping = true
			braceDepth = 0
		}

		if skipping {
			for _, ch := range trimmed {
				switch ch {
				case '{':
					braceDepth++
				case '}':
					braceDepth--
					if braceDepth == 0 {
						skipping = false
					}
				}
			}
			continue
		}

		result = append(result, line)
	}
	return strings.Join(result, "\n")
}

// hybridCompress applies strategies in increasing aggressiveness until the
// result fits target_tokens or all strategies are exhausted.
func hybridCompress(content string, targetTokens int) string {
	result := removeComments(content)
	if countTokens(result) <= targetTokens {
		return result
	}

	result = minimizeWhitespace(result)
	if countTokens(result) <= targetTokens {
		return result
	}

	result = treeShake(result)
	if countTokens(result) <= targetTokens {
		return result
	}

	return extractSignatures(result)
}

// ultraCompact summarizes content, falling back to key-point extraction if
// the summary is empty (e.g. content has no recognizable declarations).
func ultraCompact(content string) string {
	summary := summarize(content)
	if summary == "" {
		return extractKeyPoints(content)
	}
	return summary
}

// truncateToBudget hard-truncates content so that, marker included, it fits
// targetTokens (spec §4.L: "truncation marker"). A budget shorter than the
// marker itself yields the marker alone.
func truncateToBudget(content string, targetTokens int) string {
	targetChars := targetTokens * charsPerToken
	if len(content) <= targetChars {
		return content
	}
	cut := targetChars - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return content[:cut] + truncationMarker
}

// assessQuality scores a compression as 0.3*size_ratio + 0.7*symbol_preservation
// (spec §4.L), where symbol_preservation averages, across a fixed keyword
// set, how much of each keyword's original occurrence count survived.
func assessQuality(compressed, original string) float64 {
	originalLen := float64(len(original))
	if originalLen == 0 {
		return 1.0
	}
	compressedLen := float64(len(compressed))
	ratio := compressedLen / originalLen

	var preservedScore float64
	for _, kw := range qualityKeywords {
		originalCount := float64(strings.Count(original, kw))
		if originalCount == 0 {
			continue
		}
		compressedCount := float64(strings.Count(compressed, kw))
		preservedScore += compressedCount / originalCount
	}
	preservation := preservedScore / float64(len(qualityKeywords))
	if preservation > 1.0 {
		preservation = 1.0
	}

	return 0.3*ratio + 0.7*preservation
}

// countTokens is the documented BPE-like estimator (spec §4.L): roughly
// charsPerToken characters per token.
func countTokens(content string) int {
	return len(content) / charsPerToken
}
