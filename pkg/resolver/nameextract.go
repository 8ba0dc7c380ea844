package resolver

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// Extraction is a self-introduction pulled out of utterance text.
type Extraction struct {
	Name       string
	Confidence float64
	Evidence   string // the matched fragment
}

// namePattern pairs an introduction template with its base confidence.
// Explicit templates ("my name is", 我叫) are near-certain; bare copulas
// ("I'm", 我是) also match greetings and adjectives, so they score lower.
type namePattern struct {
	re         *regexp.Regexp
	confidence float64
}

var namePatterns = []namePattern{
	{regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z][A-Za-z'\-]{0,29}(?:\s+[A-Z][A-Za-z'\-]{0,29})?)`), 0.95},
	{regexp.MustCompile(`(?i)\bcall me\s+([A-Za-z][A-Za-z'\-]{0,29})`), 0.95},
	{regexp.MustCompile(`我叫([\p{Han}]{1,6})`), 0.95},
	{regexp.MustCompile(`我的名字是([\p{Han}]{1,6})`), 0.95},
	{regexp.MustCompile(`(?i)\b(?:i am|i'm)\s+([A-Z][A-Za-z'\-]{1,29})`), 0.85},
	{regexp.MustCompile(`我是([\p{Han}]{1,6})`), 0.85},
}

// ExtractName finds the first self-introduction in the text. Patterns are
// tried strongest-first, so "Hi, my name is Alice" extracts Alice at 0.95
// even though "Hi" would also match a weak pattern.
func ExtractName(text string) Extraction {
	for _, p := range namePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		name := strings.TrimRight(strings.TrimSpace(m[1]), ".,!?;:。，！？")
		if name == "" {
			continue
		}
		return Extraction{Name: name, Confidence: p.confidence, Evidence: m[0]}
	}
	return Extraction{}
}

// rosterMatchFloor is the minimum fuzzy score for a roster hit.
const rosterMatchFloor = 0.84

// matchRoster fuzzy-matches an extracted token against the roster,
// case-insensitive, and returns the best roster name with its score.
func matchRoster(roster []state.Participant, extracted string) (string, float64) {
	needle := strings.ToLower(extracted)
	best := ""
	bestScore := 0.0
	for _, p := range roster {
		candidate := strings.ToLower(p.Name)
		var score float64
		if candidate == needle {
			score = 1
		} else {
			score = matchr.JaroWinkler(needle, candidate, true)
			// Also try the given name alone: "Alice" should match the
			// roster entry "Alice Zhang".
			if first, _, ok := strings.Cut(candidate, " "); ok {
				if s := matchr.JaroWinkler(needle, first, true); s > score {
					score = s
				}
			}
		}
		if score > bestScore {
			best = p.Name
			bestScore = score
		}
	}
	if bestScore < rosterMatchFloor {
		return "", 0
	}
	return best, bestScore
}
