// Package matcher decides which dhikr, if any, a recognised utterance
// represents.
//
// Detection runs a fixed cascade of tiers and stops at the first tier that
// produces a result:
//
//  1. exact: a known variant occurs verbatim in the transcript (0.95).
//  2. keyword: the best keyword hit, scored by how much of the transcript
//     the keyword covers (at most 0.85).
//  3. word-match: every word of a multi-word variant matches some
//     transcript token as a substring in either direction (0.95).
//  4. phonetic: Double Metaphone and Jaro-Winkler similarity against the
//     transliterations (at most 0.75). Optional.
//
// Within a tier, ties resolve to the earlier phrase in the [phrase.Table].
// A Matcher is read-only after construction and safe for concurrent use.
package matcher

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/pkg/types"
)

// Method names the tier that produced a detection.
type Method string

const (
	MethodExact     Method = "exact"
	MethodKeyword   Method = "keyword"
	MethodWordMatch Method = "word-match"
	MethodPhonetic  Method = "phonetic"
)

const (
	// ExactConfidence is reported for exact and word-match detections.
	ExactConfidence = 0.95

	// KeywordCap bounds keyword confidence.
	KeywordCap = 0.85

	// DefaultThreshold is the minimum confidence a detection needs before
	// it is forwarded for counting.
	DefaultThreshold = 0.6
)

// DetectionResult is the outcome of a detection. The zero value means no
// phrase was recognised.
type DetectionResult struct {
	PhraseID   string
	Confidence float64
	Method     Method
}

// Matched reports whether a phrase was recognised.
func (r DetectionResult) Matched() bool { return r.PhraseID != "" }

// Accept reports whether r clears threshold. Detections below the threshold
// are noise, not errors.
func Accept(r DetectionResult, threshold float64) bool {
	return r.Matched() && r.Confidence >= threshold
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhonetic enables or disables the phonetic tier. Enabled by default.
func WithPhonetic(enabled bool) Option {
	return func(m *Matcher) { m.phoneticEnabled = enabled }
}

// WithPhoneticThresholds overrides the Jaro-Winkler thresholds of the
// phonetic tier. Defaults: 0.70 with a phonetic code overlap, 0.85 without.
func WithPhoneticThresholds(phonetic, fuzzy float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = phonetic
		m.fuzzyThreshold = fuzzy
	}
}

// Matcher detects dhikr phrases in transcripts.
type Matcher struct {
	entries []entry

	phoneticEnabled   bool
	phoneticThreshold float64
	fuzzyThreshold    float64
	phonetic          []phoneticCandidate
}

// entry is a phrase with its forms pre-normalised.
type entry struct {
	id       string
	weight   float64
	variants []string   // Arabic then transliterations, normalised
	multi    [][]string // words of every multi-word variant
	keywords []string
}

// New builds a Matcher over table.
func New(table *phrase.Table, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticEnabled:   true,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}

	for _, p := range table.Phrases() {
		e := entry{id: p.ID, weight: p.Weight}
		for _, v := range phrase.Variants(p) {
			nv := Normalize(v)
			if nv == "" {
				continue
			}
			e.variants = append(e.variants, nv)
			if words := strings.Fields(nv); len(words) > 1 {
				e.multi = append(e.multi, words)
			}
		}
		for _, k := range p.Keywords {
			if nk := Normalize(k); nk != "" {
				e.keywords = append(e.keywords, nk)
			}
		}
		m.entries = append(m.entries, e)
	}
	if m.phoneticEnabled {
		m.phonetic = buildPhoneticCandidates(table)
	}
	return m
}

// Normalize lowercases s, trims it and collapses inner whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Detect runs the tier cascade over a single transcript.
func (m *Matcher) Detect(text string) DetectionResult {
	t := Normalize(text)
	if t == "" {
		return DetectionResult{}
	}
	if r, ok := m.exact(t); ok {
		return r
	}
	if r, ok := m.keyword(t); ok {
		return r
	}
	if r, ok := m.wordMatch(t); ok {
		return r
	}
	if m.phoneticEnabled {
		if r, ok := m.phoneticMatch(t); ok {
			return r
		}
	}
	return DetectionResult{}
}

// DetectUtterance tries the primary transcript first and falls back to the
// alternatives, most confident first. The best alternative result wins;
// ties go to the more confident alternative.
func (m *Matcher) DetectUtterance(u types.Utterance) DetectionResult {
	if r := m.Detect(u.Text); r.Matched() {
		return r
	}
	alts := slices.Clone(u.Alternatives)
	slices.SortStableFunc(alts, func(a, b types.Alternative) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	var best DetectionResult
	for _, alt := range alts {
		if r := m.Detect(alt.Text); r.Confidence > best.Confidence {
			best = r
		}
	}
	return best
}

func (m *Matcher) exact(t string) (DetectionResult, bool) {
	for _, e := range m.entries {
		for _, v := range e.variants {
			if strings.Contains(t, v) {
				return DetectionResult{PhraseID: e.id, Confidence: ExactConfidence, Method: MethodExact}, true
			}
		}
	}
	return DetectionResult{}, false
}

func (m *Matcher) keyword(t string) (DetectionResult, bool) {
	total := float64(utf8.RuneCountInString(t))
	var best DetectionResult
	for _, e := range m.entries {
		for _, k := range e.keywords {
			if !strings.Contains(t, k) {
				continue
			}
			conf := min(KeywordCap, float64(utf8.RuneCountInString(k))/total*KeywordCap*e.weight)
			if conf > best.Confidence {
				best = DetectionResult{PhraseID: e.id, Confidence: conf, Method: MethodKeyword}
			}
		}
	}
	return best, best.Matched()
}

func (m *Matcher) wordMatch(t string) (DetectionResult, bool) {
	tokens := strings.Fields(t)
	for _, e := range m.entries {
		for _, words := range e.multi {
			if allWordsPresent(words, tokens) {
				return DetectionResult{PhraseID: e.id, Confidence: ExactConfidence, Method: MethodWordMatch}, true
			}
		}
	}
	return DetectionResult{}, false
}

// allWordsPresent reports whether every word substring-matches some token,
// in either direction. Any token length qualifies, so a fragment like "ha"
// satisfies "subhana".
func allWordsPresent(words, tokens []string) bool {
	for _, w := range words {
		found := false
		for _, tok := range tokens {
			if strings.Contains(tok, w) || strings.Contains(w, tok) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
