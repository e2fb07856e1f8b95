package eval

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Mean averages the non-nil values. It is NaN when there are none.
func Mean(values []*float64) float64 {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if v != nil {
			xs = append(xs, *v)
		}
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

// Round rounds x to the given number of decimals, ties broken on the exact
// binary value the way decimal formatting does.
func Round(x float64, decimals int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	r, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', decimals, 64), 64)
	if err != nil {
		return x
	}
	return r
}

// FormatFloat renders x as the shortest string that round-trips, always
// with a decimal point or exponent: 3 prints as 3.0, 1e-05 stays 1e-05.
func FormatFloat(x float64) string {
	switch {
	case math.IsNaN(x):
		return "nan"
	case math.IsInf(x, 1):
		return "inf"
	case math.IsInf(x, -1):
		return "-inf"
	}
	if ax := math.Abs(x); ax != 0 && (ax < 1e-4 || ax >= 1e16) {
		return strconv.FormatFloat(x, 'e', -1, 64)
	}
	s := strconv.FormatFloat(x, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
