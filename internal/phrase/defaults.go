package phrase

// Built-in phrase ids, in table order.
const (
	Subhanallah     = "subhanallah"
	Alhamdulillah   = "alhamdulillah"
	AllahuAkbar     = "allahu-akbar"
	LaIlahaIllallah = "la-ilaha-illa-allah"
	Astaghfirullah  = "astaghfirullah"
)

// defaultPhrases is the built-in vocabulary. Order matters: the first phrase
// with an exact variant hit wins, and keyword ties resolve to the earlier
// phrase.
var defaultPhrases = []Phrase{
	{
		ID:               Subhanallah,
		Arabic:           []string{"سبحان الله", "سُبْحَانَ اللَّهِ"},
		Transliterations: []string{"subhan allah", "subhanallah", "sobhan allah", "sophan allah", "sub han allah"},
		Keywords:         []string{"subhan", "sophan", "sobhan", "subh"},
		Weight:           1.0,
	},
	{
		ID:               Alhamdulillah,
		Arabic:           []string{"الحمد لله", "الْحَمْدُ لِلَّهِ"},
		Transliterations: []string{"alhamdulillah", "al hamdu lillah", "elhamdulillah", "alhamdu lillahi"},
		Keywords:         []string{"hamd", "hamdu", "alhamdu", "elhamdu"},
		Weight:           1.0,
	},
	{
		ID:               AllahuAkbar,
		Arabic:           []string{"الله أكبر", "اللَّهُ أَكْبَرُ"},
		Transliterations: []string{"allahu akbar", "allah akbar", "allaahu akbar", "allah u akbar"},
		Keywords:         []string{"allah", "akbar", "akber"},
		Weight:           1.0,
	},
	{
		ID:               LaIlahaIllallah,
		Arabic:           []string{"لا إله إلا الله", "لَا إِلَهَ إِلَّا اللَّهُ"},
		Transliterations: []string{"la ilaha illa allah", "la ilaha illallah", "laa ilaaha illallahu", "la elaha ella allah"},
		Keywords:         []string{"la ilaha", "illallah", "illa allah"},
		Weight:           1.0,
	},
	{
		ID:               Astaghfirullah,
		Arabic:           []string{"أستغفر الله", "أَسْتَغْفِرُ اللَّهَ"},
		Transliterations: []string{"astaghfirullah", "astagh firullah", "estagh ferullah", "astagfirallah"},
		Keywords:         []string{"astaghfir", "estagh", "astagfir", "ghfir"},
		Weight:           1.0,
	},
}

// Default returns the built-in table.
func Default() *Table {
	t, err := NewTable(defaultPhrases...)
	if err != nil {
		panic("phrase: invalid built-in table: " + err.Error())
	}
	return t
}

// Template is the display metadata for a phrase, persisted as a template
// record so sessions can reference it.
type Template struct {
	ID              string
	ArabicText      string
	Transliteration string
	Translation     string
	Category        string
	Reference       string
}

// DefaultTemplates returns the templates for the built-in phrases, in table
// order.
func DefaultTemplates() []Template {
	return []Template{
		{
			ID:              Subhanallah,
			ArabicText:      "سُبْحَانَ اللَّهِ",
			Transliteration: "Subhan Allah",
			Translation:     "Glory be to Allah",
			Category:        "tasbih",
			Reference:       "Common dhikr",
		},
		{
			ID:              Alhamdulillah,
			ArabicText:      "الْحَمْدُ لِلَّهِ",
			Transliteration: "Alhamdulillah",
			Translation:     "All praise is due to Allah",
			Category:        "tahmid",
			Reference:       "Common dhikr",
		},
		{
			ID:              AllahuAkbar,
			ArabicText:      "اللَّهُ أَكْبَرُ",
			Transliteration: "Allahu Akbar",
			Translation:     "Allah is the Greatest",
			Category:        "takbir",
			Reference:       "Common dhikr",
		},
		{
			ID:              LaIlahaIllallah,
			ArabicText:      "لَا إِلَهَ إِلَّا اللَّهُ",
			Transliteration: "La ilaha illa Allah",
			Translation:     "There is no god but Allah",
			Category:        "tahlil",
			Reference:       "Common dhikr",
		},
		{
			ID:              Astaghfirullah,
			ArabicText:      "أَسْتَغْفِرُ اللَّهَ",
			Transliteration: "Astaghfirullah",
			Translation:     "I seek forgiveness from Allah",
			Category:        "istighfar",
			Reference:       "Common dhikr",
		},
	}
}
