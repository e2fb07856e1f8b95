package dataset

const (
	CoLA   = "cola"
	Calame = "calame"
)

// Source describes where a benchmark's examples live on the hub.
type Source struct {
	Benchmark string
	Lang      string
	Repo      string
	Config    string
	Split     string
	// TextColumn holds the sentence. For continuation benchmarks SuffixColumn
	// is appended to it with a single space.
	TextColumn   string
	SuffixColumn string
	// LabelColumn holds 1 for acceptable and 0 for unacceptable sentences.
	LabelColumn string
}

var registry = []Source{
	{Benchmark: CoLA, Lang: "gl", Repo: "proxectonos/galcola", Config: "default", Split: "test", TextColumn: "sentence", LabelColumn: "label"},
	{Benchmark: CoLA, Lang: "en", Repo: "nyu-mll/glue", Config: "cola", Split: "validation", TextColumn: "sentence", LabelColumn: "label"},
	{Benchmark: CoLA, Lang: "cat", Repo: "nbel/CatCoLA", Config: "default", Split: "validation", TextColumn: "Sentence", LabelColumn: "Label"},
	{Benchmark: CoLA, Lang: "es", Repo: "nbel/EsCoLA", Config: "default", Split: "validation", TextColumn: "Sentence", LabelColumn: "Label"},
	{Benchmark: CoLA, Lang: "it", Repo: "gsarti/itacola", Config: "default", Split: "test", TextColumn: "sentence", LabelColumn: "acceptability"},
	{Benchmark: Calame, Lang: "pt", Repo: "NOVA-vision-language/calame-pt", Config: "all", Split: "train", TextColumn: "sentence", SuffixColumn: "last_word"},
}

// Supported lists every benchmark/language combination.
func Supported() []Source {
	out := make([]Source, len(registry))
	copy(out, registry)
	return out
}

// Lookup finds the source for a benchmark and language. The errors it
// returns carry the console messages for unsupported combinations.
func Lookup(benchmark, lang string) (Source, error) {
	switch benchmark {
	case CoLA, Calame:
	default:
		return Source{}, &UnsupportedError{Kind: UnknownDataset, Benchmark: benchmark, Lang: lang}
	}
	for _, s := range registry {
		if s.Benchmark == benchmark && s.Lang == lang {
			return s, nil
		}
	}
	if benchmark == Calame && lang == "gl" {
		return Source{}, &UnsupportedError{Kind: NotYetSupported, Benchmark: benchmark, Lang: lang}
	}
	return Source{}, &UnsupportedError{Kind: UnsupportedLanguage, Benchmark: benchmark, Lang: lang}
}
