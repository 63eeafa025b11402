package filter

import (
	"strings"

	goaway "github.com/TwiN/go-away"

	"github.com/dotsetgreg/dotrelay/pkg/logger"
)

// ContentFilter flags text that must not be stored or forwarded to a model.
// Implementations are pure and must never panic out to the caller.
type ContentFilter interface {
	IsFlagged(text string) bool
}

// ProfanityFilter matches against the go-away dictionary, optionally extended
// with operator supplied terms. Matching is per word: a word is flagged when it
// is a dictionary term, or a term followed by one of inflectionSuffixes.
// Terms never match across word boundaries or in the middle of a word, so
// "assessment" and "hancock" pass.
type ProfanityFilter struct {
	detector *goaway.ProfanityDetector
}

var inflectionSuffixes = map[string]bool{
	"": true, "s": true, "es": true, "y": true, "ty": true, "py": true,
	"ed": true, "ing": true, "er": true, "ers": true,
	"hole": true, "holes": true, "head": true, "heads": true, "face": true,
}

// Compounds that do not start with a dictionary term.
var compoundTerms = []string{"motherfuck", "bullshit", "horseshit", "dipshit", "jackass", "smartass"}

const wordTrim = `.,;:!?"'()[]{}<>`

func NewProfanityFilter(extraTerms ...string) *ProfanityFilter {
	profanities := append(append([]string{}, goaway.DefaultProfanities...), normalizeTerms(extraTerms)...)
	falseNegatives := append(append([]string{}, goaway.DefaultFalseNegatives...), compoundTerms...)
	detector := goaway.NewProfanityDetector().
		WithSanitizeSpaces(false).
		WithCustomDictionary(profanities, goaway.DefaultFalsePositives, falseNegatives)
	return &ProfanityFilter{detector: detector}
}

func (f *ProfanityFilter) IsFlagged(text string) (flagged bool) {
	if strings.TrimSpace(text) == "" {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("filter", "Profanity check panicked, treating text as flagged", map[string]interface{}{
				"panic": r,
			})
			flagged = true
		}
	}()
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, wordTrim)
		if word != "" && f.wordIsProfane(word) {
			return true
		}
	}
	return false
}

// wordIsProfane censors word with go-away and accepts the match only when the
// censored run starts the word and the remainder is an inflection.
func (f *ProfanityFilter) wordIsProfane(word string) bool {
	original := []rune(word)
	censored := []rune(f.detector.Censor(word))
	if len(censored) != len(original) {
		return false
	}
	n := 0
	for n < len(censored) && censored[n] == '*' && original[n] != '*' {
		n++
	}
	if n == 0 {
		return false
	}
	return inflectionSuffixes[strings.ToLower(string(original[n:]))]
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Func adapts a plain predicate, mostly for tests.
type Func func(text string) bool

func (f Func) IsFlagged(text string) bool { return f(text) }
