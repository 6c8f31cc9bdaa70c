// Package refusal implements the refusal detector (M4): scoring assembled
// response text against an ordered list of RefusalRule predicates, and the
// pending-refusal queue for the prompt_user action, following the same
// mutex-guarded map + periodic-sweep shape the teacher uses for its kill
// switch.
package refusal

import "strings"

// Classifier scores assembled response text in [0, 1]; higher means more
// confidently a refusal. Implementations may be a hosted zero-shot model or
// the bundled RegexClassifier fallback.
type Classifier interface {
	Score(text string) float64
}

// defaultPatterns are substrings commonly present in an LLM's refusal to
// comply with a request. Matched case-insensitively.
var defaultPatterns = []string{
	"i can't help with that",
	"i cannot help with that",
	"i can't assist with that",
	"i'm not able to",
	"i am not able to",
	"i won't provide",
	"i will not provide",
	"against my guidelines",
	"i cannot comply",
	"i can't comply",
	"as an ai, i cannot",
	"i'm unable to",
}

// RegexClassifier is the default Classifier: it counts how many refusal
// patterns match and buckets the count into a score, per §4.7's
// 1/2/3+ matches → 0.6/0.75/0.9 table.
type RegexClassifier struct {
	Patterns []string
}

// NewRegexClassifier returns a classifier using the built-in pattern list.
func NewRegexClassifier() *RegexClassifier {
	return &RegexClassifier{Patterns: defaultPatterns}
}

func (c *RegexClassifier) Score(text string) float64 {
	lower := strings.ToLower(text)
	matches := 0
	for _, p := range c.Patterns {
		if strings.Contains(lower, p) {
			matches++
		}
	}
	switch {
	case matches >= 3:
		return 0.9
	case matches == 2:
		return 0.75
	case matches == 1:
		return 0.6
	default:
		return 0
	}
}

// AssembleText concatenates every text and thinking block of a response, the
// input the classifier scores.
func AssembleText(textBlocks, thinkingBlocks []string) string {
	var b strings.Builder
	for _, t := range textBlocks {
		b.WriteString(t)
	}
	for _, t := range thinkingBlocks {
		b.WriteString(t)
	}
	return b.String()
}

// Truncate approximates a token-count cutoff by characters (tokens × 4, per
// §4.7); tokensToAnalyze == 0 means no truncation.
func Truncate(text string, tokensToAnalyze int) string {
	if tokensToAnalyze <= 0 {
		return text
	}
	limit := tokensToAnalyze * 4
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
