// Package phrase holds the fixed dhikr vocabulary: the pattern table used by
// the matcher and the display templates seeded into the store.
//
// A [Table] is immutable after construction. Its iteration order is the
// tie-break order for every matching tier, so it must stay stable.
package phrase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/thakkir/pkg/types"
)

// Phrase is one dhikr and all textual forms that identify it.
type Phrase struct {
	// ID is the stable identifier, also used as the template id.
	ID string

	// Arabic holds Arabic-script forms, plain and vocalised.
	Arabic []string

	// Transliterations holds Latin-script forms, including common
	// misspellings produced by speech engines.
	Transliterations []string

	// Keywords are short fragments that hint at the phrase on their own.
	Keywords []string

	// Weight scales the phrase's detections. 1.0 for every built-in phrase.
	Weight float64
}

// Table is an ordered, read-only set of phrases.
type Table struct {
	phrases []Phrase
	index   map[string]int
}

// NewTable validates phrases and returns a table preserving their order.
// It rejects empty ids, duplicate ids and phrases without any variant.
func NewTable(phrases ...Phrase) (*Table, error) {
	t := &Table{
		phrases: make([]Phrase, 0, len(phrases)),
		index:   make(map[string]int, len(phrases)),
	}
	var errs []error
	for i, p := range phrases {
		switch {
		case strings.TrimSpace(p.ID) == "":
			errs = append(errs, fmt.Errorf("phrases[%d]: id is required", i))
			continue
		case len(p.Arabic)+len(p.Transliterations) == 0:
			errs = append(errs, fmt.Errorf("phrases[%d] %q: at least one variant is required", i, p.ID))
			continue
		}
		if prev, ok := t.index[p.ID]; ok {
			errs = append(errs, fmt.Errorf("phrases[%d] %q: duplicate of phrases[%d]", i, p.ID, prev))
			continue
		}
		if p.Weight == 0 {
			p.Weight = 1.0
		}
		t.index[p.ID] = len(t.phrases)
		t.phrases = append(t.phrases, clonePhrase(p))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("phrase: %w", err)
	}
	return t, nil
}

// Phrases returns a copy of the phrases in table order.
func (t *Table) Phrases() []Phrase {
	out := make([]Phrase, len(t.phrases))
	for i, p := range t.phrases {
		out[i] = clonePhrase(p)
	}
	return out
}

// Len returns the number of phrases.
func (t *Table) Len() int { return len(t.phrases) }

// IDs returns the phrase ids in table order.
func (t *Table) IDs() []string {
	ids := make([]string, len(t.phrases))
	for i, p := range t.phrases {
		ids[i] = p.ID
	}
	return ids
}

// Lookup returns the phrase with the given id.
func (t *Table) Lookup(id string) (Phrase, bool) {
	i, ok := t.index[id]
	if !ok {
		return Phrase{}, false
	}
	return clonePhrase(t.phrases[i]), true
}

// Position returns the table position of id, or -1 if unknown.
func (t *Table) Position(id string) int {
	if i, ok := t.index[id]; ok {
		return i
	}
	return -1
}

// Variants returns the Arabic forms followed by the transliterations.
func Variants(p Phrase) []string {
	out := make([]string, 0, len(p.Arabic)+len(p.Transliterations))
	out = append(out, p.Arabic...)
	return append(out, p.Transliterations...)
}

// KeywordBoosts builds provider vocabulary hints from every transliteration
// and keyword in the table, de-duplicated and in table order.
func (t *Table) KeywordBoosts(boost float64) []types.KeywordBoost {
	seen := make(map[string]struct{})
	var out []types.KeywordBoost
	add := func(s string) {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, types.KeywordBoost{Keyword: k, Boost: boost})
	}
	for _, p := range t.phrases {
		for _, v := range p.Transliterations {
			add(v)
		}
		for _, k := range p.Keywords {
			add(k)
		}
	}
	return out
}

func clonePhrase(p Phrase) Phrase {
	p.Arabic = append([]string(nil), p.Arabic...)
	p.Transliterations = append([]string(nil), p.Transliterations...)
	p.Keywords = append([]string(nil), p.Keywords...)
	return p
}
