package dataset

type UnsupportedKind int

const (
	UnknownDataset UnsupportedKind = iota + 1
	UnsupportedLanguage
	NotYetSupported
)

// UnsupportedError reports a benchmark/language combination that cannot be
// evaluated. Its message is printed verbatim to stdout by the CLI.
type UnsupportedError struct {
	Kind      UnsupportedKind
	Benchmark string
	Lang      string
}

var (
	ErrUnknownDataset      = &UnsupportedError{Kind: UnknownDataset}
	ErrUnsupportedLanguage = &UnsupportedError{Kind: UnsupportedLanguage}
	ErrNotYetSupported     = &UnsupportedError{Kind: NotYetSupported}
)

func (e *UnsupportedError) Error() string {
	switch e.Kind {
	case UnknownDataset:
		return "Dataset not suported..."
	case NotYetSupported:
		return "Galician Calame not suported yet..."
	case UnsupportedLanguage:
		switch e.Benchmark {
		case CoLA:
			return "CoLA language not suported..."
		case Calame:
			return "Calame language not suported..."
		}
		return "Language not suported..."
	}
	return "unsupported dataset configuration"
}

// Is matches on Kind so callers can use errors.Is with the sentinels.
func (e *UnsupportedError) Is(target error) bool {
	t, ok := target.(*UnsupportedError)
	return ok && t.Kind == e.Kind
}
