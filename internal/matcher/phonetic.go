package matcher

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/thakkir/internal/phrase"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// phoneticScale maps a Jaro-Winkler score onto detection confidence.
	phoneticScale = 0.75

	// minPairRunes is the shortest token compared pairwise. Short tokens
	// score high against the first syllable of almost any transliteration.
	minPairRunes = 4
)

// phoneticCandidate is one transliteration with its precomputed codes.
type phoneticCandidate struct {
	phraseID string
	weight   float64
	full     string
	tokens   []string
	codes    map[string]struct{}
}

func buildPhoneticCandidates(table *phrase.Table) []phoneticCandidate {
	var out []phoneticCandidate
	for _, p := range table.Phrases() {
		for _, tr := range p.Transliterations {
			full := Normalize(tr)
			if full == "" {
				continue
			}
			tokens := strings.Fields(full)
			out = append(out, phoneticCandidate{
				phraseID: p.ID,
				weight:   p.Weight,
				full:     full,
				tokens:   tokens,
				codes:    codesForTokens(tokens),
			})
		}
	}
	return out
}

// phoneticMatch ranks transliterations by Jaro-Winkler similarity. Candidates
// sharing a Double Metaphone code with the transcript need the lower
// phonetic threshold; a phonetic candidate always beats a purely fuzzy one.
func (m *Matcher) phoneticMatch(t string) (DetectionResult, bool) {
	tokens := strings.Fields(t)
	inputCodes := codesForTokens(tokens)

	var (
		best      *phoneticCandidate
		bestScore float64
		bestPhon  bool
	)
	for i := range m.phonetic {
		c := &m.phonetic[i]
		score := bestJWScore(tokens, c.tokens, t, c.full)
		if codesOverlap(inputCodes, c.codes) {
			if score >= m.phoneticThreshold && (!bestPhon || score > bestScore) {
				best, bestScore, bestPhon = c, score, true
			}
		} else if !bestPhon && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil {
		return DetectionResult{}, false
	}
	return DetectionResult{
		PhraseID:   best.phraseID,
		Confidence: min(phoneticScale, bestScore*phoneticScale*best.weight),
		Method:     MethodPhonetic,
	}, true
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every long-enough token pair.
func bestJWScore(inputTokens, candTokens []string, inputFull, candFull string) float64 {
	score := matchr.JaroWinkler(inputFull, candFull, false)

	if len(inputTokens) > 1 || len(candTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(candTokens, ""), false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		if utf8.RuneCountInString(it) < minPairRunes {
			continue
		}
		for _, ct := range candTokens {
			if utf8.RuneCountInString(ct) < minPairRunes {
				continue
			}
			if s := matchr.JaroWinkler(it, ct, false); s > score {
				score = s
			}
		}
	}
	return score
}
