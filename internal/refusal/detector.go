package refusal

import (
	"sort"
	"sync"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/rules"
)

// Detector holds the ordered RefusalRule list and the Classifier used to
// score assembled response text.
type Detector struct {
	mu         sync.RWMutex
	classifier Classifier
	rules      []*domain.RefusalRule
}

func NewDetector(classifier Classifier) *Detector {
	if classifier == nil {
		classifier = NewRegexClassifier()
	}
	return &Detector{classifier: classifier}
}

// Replace installs a new rule set, sorted by ascending priority with
// insertion-order ties, mirroring the rules engine's ordering (M1).
func (d *Detector) Replace(rs []*domain.RefusalRule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append([]*domain.RefusalRule(nil), rs...)
	sort.SliceStable(d.rules, func(i, j int) bool { return d.rules[i].Priority < d.rules[j].Priority })
}

// Verdict is the outcome of Detect: whether a rule fired, which one, and the
// classifier's score.
type Verdict struct {
	Fired    bool
	Rule     *domain.RefusalRule
	Analysis domain.RefusalAnalysis
}

// Detect concatenates textBlocks/thinkingBlocks, scores the assembled text
// against each enabled, filter-matching rule in priority order, and returns
// the first rule whose threshold the score meets or exceeds (§4.7).
func (d *Detector) Detect(flow *domain.Flow, textBlocks, thinkingBlocks []string) Verdict {
	d.mu.RLock()
	defer d.mu.RUnlock()

	full := AssembleText(textBlocks, thinkingBlocks)
	for _, r := range d.rules {
		if !r.Enabled {
			continue
		}
		if r.Filter != nil && !rules.MatchesFilter(*r.Filter, flow) {
			continue
		}
		text := Truncate(full, r.Detection.TokensToAnalyze)
		score := d.classifier.Score(text)
		if score >= r.Detection.ConfidenceThreshold {
			return Verdict{
				Fired:    true,
				Rule:     r,
				Analysis: domain.RefusalAnalysis{Score: score, Threshold: r.Detection.ConfidenceThreshold},
			}
		}
	}
	return Verdict{}
}
