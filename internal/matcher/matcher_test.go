package matcher_test

import (
	"math"
	"testing"

	"github.com/MrWong99/thakkir/internal/matcher"
	"github.com/MrWong99/thakkir/internal/phrase"
	"github.com/MrWong99/thakkir/pkg/types"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDetect_Tiers(t *testing.T) {
	t.Parallel()

	m := matcher.New(phrase.Default())

	tests := []struct {
		name       string
		text       string
		wantID     string
		wantMethod matcher.Method
		wantConf   float64
	}{
		{
			name:       "transliteration inside sentence",
			text:       "I said subhan allah today",
			wantID:     phrase.Subhanallah,
			wantMethod: matcher.MethodExact,
			wantConf:   0.95,
		},
		{
			name:       "arabic script",
			text:       "سبحان الله",
			wantID:     phrase.Subhanallah,
			wantMethod: matcher.MethodExact,
			wantConf:   0.95,
		},
		{
			name:       "normalised case and spacing",
			text:       "  ALHAMDU    Lillahi ",
			wantID:     phrase.Alhamdulillah,
			wantMethod: matcher.MethodExact,
			wantConf:   0.95,
		},
		{
			name:       "exact beats earlier keyword",
			text:       "allahu akbar subhan",
			wantID:     phrase.AllahuAkbar,
			wantMethod: matcher.MethodExact,
			wantConf:   0.95,
		},
		{
			name:       "earlier phrase wins exact",
			text:       "alhamdulillah subhanallah",
			wantID:     phrase.Subhanallah,
			wantMethod: matcher.MethodExact,
			wantConf:   0.95,
		},
		{
			name:       "keyword covering whole transcript",
			text:       "subhan",
			wantID:     phrase.Subhanallah,
			wantMethod: matcher.MethodKeyword,
			wantConf:   0.85,
		},
		{
			name:       "keyword diluted by long transcript",
			text:       "subhan is what i meant",
			wantID:     phrase.Subhanallah,
			wantMethod: matcher.MethodKeyword,
			wantConf:   6.0 / 22.0 * 0.85,
		},
		{
			name:       "word match on split variant",
			text:       "estag ferulla",
			wantID:     phrase.Astaghfirullah,
			wantMethod: matcher.MethodWordMatch,
			wantConf:   0.95,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := m.Detect(tc.text)
			if got.PhraseID != tc.wantID {
				t.Fatalf("Detect(%q).PhraseID = %q, want %q", tc.text, got.PhraseID, tc.wantID)
			}
			if got.Method != tc.wantMethod {
				t.Errorf("Detect(%q).Method = %q, want %q", tc.text, got.Method, tc.wantMethod)
			}
			if !near(got.Confidence, tc.wantConf) {
				t.Errorf("Detect(%q).Confidence = %v, want %v", tc.text, got.Confidence, tc.wantConf)
			}
		})
	}
}

func TestDetect_NoMatch(t *testing.T) {
	t.Parallel()

	m := matcher.New(phrase.Default())
	for _, text := range []string{"", "   ", "the weather is nice"} {
		if got := m.Detect(text); got.Matched() {
			t.Errorf("Detect(%q) = %+v, want no match", text, got)
		}
	}
}

func TestDetect_KeywordTieKeepsEarlierPhrase(t *testing.T) {
	t.Parallel()

	tbl, err := phrase.NewTable(
		phrase.Phrase{ID: "first", Transliterations: []string{"qqqq"}, Keywords: []string{"foo"}},
		phrase.Phrase{ID: "second", Transliterations: []string{"zzzz"}, Keywords: []string{"bar"}},
	)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	m := matcher.New(tbl, matcher.WithPhonetic(false))

	got := m.Detect("foo bar")
	if got.PhraseID != "first" {
		t.Errorf("PhraseID = %q, want first", got.PhraseID)
	}
	if want := 3.0 / 7.0 * 0.85; !near(got.Confidence, want) {
		t.Errorf("Confidence = %v, want %v", got.Confidence, want)
	}
}

func TestDetect_WordMatchShortFragments(t *testing.T) {
	t.Parallel()

	tbl, err := phrase.NewTable(phrase.Phrase{ID: "x", Transliterations: []string{"subhana rabbiyal"}})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	m := matcher.New(tbl, matcher.WithPhonetic(false))

	tests := []struct {
		text  string
		match bool
	}{
		{text: "ha bi", match: true},
		{text: "na rab", match: true},
		{text: "a a", match: true},
		{text: "subhanahu rabbiyal", match: true},
		{text: "zz rab", match: false},
		{text: "ha", match: false},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			got := m.Detect(tc.text)
			if !tc.match {
				if got.Matched() {
					t.Errorf("Detect(%q) = %+v, want no match", tc.text, got)
				}
				return
			}
			if got.PhraseID != "x" || got.Method != matcher.MethodWordMatch || !near(got.Confidence, 0.95) {
				t.Errorf("Detect(%q) = %+v, want x/word-match/0.95", tc.text, got)
			}
		})
	}
}

func TestDetect_Phonetic(t *testing.T) {
	t.Parallel()

	const text = "astaghferulah"

	got := matcher.New(phrase.Default()).Detect(text)
	if got.PhraseID != phrase.Astaghfirullah {
		t.Fatalf("PhraseID = %q, want %q", got.PhraseID, phrase.Astaghfirullah)
	}
	if got.Method != matcher.MethodPhonetic {
		t.Errorf("Method = %q, want phonetic", got.Method)
	}
	if got.Confidence > 0.75 || got.Confidence < matcher.DefaultThreshold {
		t.Errorf("Confidence = %v, want in [%v, 0.75]", got.Confidence, matcher.DefaultThreshold)
	}

	off := matcher.New(phrase.Default(), matcher.WithPhonetic(false)).Detect(text)
	if off.Matched() {
		t.Errorf("phonetic disabled: Detect(%q) = %+v, want no match", text, off)
	}
}

func TestDetectUtterance_Alternatives(t *testing.T) {
	t.Parallel()

	m := matcher.New(phrase.Default())

	t.Run("primary wins", func(t *testing.T) {
		t.Parallel()
		got := m.DetectUtterance(types.Utterance{
			Text:         "allahu akbar",
			Alternatives: []types.Alternative{{Text: "subhan allah", Confidence: 0.9}},
		})
		if got.PhraseID != phrase.AllahuAkbar {
			t.Errorf("PhraseID = %q, want %q", got.PhraseID, phrase.AllahuAkbar)
		}
	})

	t.Run("falls back to alternative", func(t *testing.T) {
		t.Parallel()
		got := m.DetectUtterance(types.Utterance{
			Text: "um",
			Alternatives: []types.Alternative{
				{Text: "nothing here", Confidence: 0.9},
				{Text: "alhamdulillah", Confidence: 0.4},
			},
		})
		if got.PhraseID != phrase.Alhamdulillah || got.Method != matcher.MethodExact {
			t.Errorf("got %+v, want alhamdulillah exact", got)
		}
	})

	t.Run("nothing anywhere", func(t *testing.T) {
		t.Parallel()
		if got := m.DetectUtterance(types.Utterance{Text: "um"}); got.Matched() {
			t.Errorf("got %+v, want no match", got)
		}
	})
}

func TestAccept(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    matcher.DetectionResult
		want bool
	}{
		{"no match", matcher.DetectionResult{}, false},
		{"below", matcher.DetectionResult{PhraseID: "x", Confidence: 0.59}, false},
		{"at threshold", matcher.DetectionResult{PhraseID: "x", Confidence: 0.6}, true},
		{"exact", matcher.DetectionResult{PhraseID: "x", Confidence: 0.95}, true},
	}
	for _, tc := range tests {
		if got := matcher.Accept(tc.r, matcher.DefaultThreshold); got != tc.want {
			t.Errorf("%s: Accept = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	if got := matcher.Normalize("  Subhan \t ALLAH\n"); got != "subhan allah" {
		t.Errorf("Normalize = %q", got)
	}
}
