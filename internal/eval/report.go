package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-surprisal/internal/config"
)

// Score is a rounded aggregate. NaN (no scored examples) encodes as null
// in JSON and YAML.
type Score float64

func (s Score) finite() bool {
	return !math.IsNaN(float64(s)) && !math.IsInf(float64(s), 0)
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.finite() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(s))
}

func (s Score) MarshalYAML() (interface{}, error) {
	if !s.finite() {
		return nil, nil
	}
	return float64(s), nil
}

func (s Score) String() string { return FormatFloat(float64(s)) }

// CoLAResult summarises summed surprisal over acceptable and unacceptable
// sentences. Difference is BadMean - GoodMean, both already rounded.
type CoLAResult struct {
	Model      string `json:"model" yaml:"model"`
	Lang       string `json:"lang" yaml:"lang"`
	GoodMean   Score  `json:"good_mean" yaml:"good_mean"`
	BadMean    Score  `json:"bad_mean" yaml:"bad_mean"`
	Difference Score  `json:"difference" yaml:"difference"`
	Good       int    `json:"good" yaml:"good"`
	Bad        int    `json:"bad" yaml:"bad"`
}

// CalameResult summarises last-word surprisal. Missed counts sentences
// whose last word did not align with the tokens.
type CalameResult struct {
	Model  string `json:"model" yaml:"model"`
	Lang   string `json:"lang" yaml:"lang"`
	Mean   Score  `json:"mean" yaml:"mean"`
	Scored int    `json:"scored" yaml:"scored"`
	Missed int    `json:"missed" yaml:"missed"`
}

// Report is a printable run summary.
type Report interface {
	writeText(w io.Writer) error
}

var separator = strings.Repeat("#", 20)

func (r *CoLAResult) writeText(w io.Writer) error {
	_, err := fmt.Fprintf(w, `Results for model: %s
            Good mean: %s
            Bad mean: %s
            Difference between means (bad-good): %s
            %s,%s,%s
    %s
`, r.Model, r.GoodMean, r.BadMean, r.Difference, r.GoodMean, r.BadMean, r.Difference, separator)
	return err
}

func (r *CalameResult) writeText(w io.Writer) error {
	_, err := fmt.Fprintf(w, `Results for model: %s
            Mean score last word: %s
    %s
`, r.Model, r.Mean, separator)
	return err
}

// WriteReport prints r as text, JSON or YAML.
func WriteReport(w io.Writer, format string, r Report) error {
	switch format {
	case config.FormatText, "":
		return r.writeText(w)
	case config.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case config.FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("format: unsupported value '%s'", format)
	}
}
