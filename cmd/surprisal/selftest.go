package main

import (
	"fmt"
	"io"
	"math"

	"github.com/23skdu/longbow-surprisal/internal/eval"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/scorer"
)

type alignCase struct {
	sentence string
	scores   []scorer.TokenScore
	want     float64
	ok       bool
}

var alignCases = []alignCase{
	{"o gato subiu no telhado", []scorer.TokenScore{{Token: "o", Surprisal: 0}, {Token: "gato", Surprisal: 4}, {Token: "subiu", Surprisal: 6}, {Token: "no", Surprisal: 1}, {Token: "telhado", Surprisal: 3}}, 3, true},
	{"ela abriu a porta", []scorer.TokenScore{{Token: "ela", Surprisal: 0}, {Token: "abriu", Surprisal: 5}, {Token: "a", Surprisal: 1}, {Token: "por", Surprisal: 2}, {Token: "ta", Surprisal: 7}}, 7, true},
	{"the cat sat", []scorer.TokenScore{{Token: "the", Surprisal: 0}, {Token: "cat", Surprisal: 2}, {Token: "sits", Surprisal: 3}}, 0, false},
}

// selfTest checks the alignment heuristic and the null-skipping mean on
// fixed inputs. Only the banner goes to stdout.
func selfTest(stdout io.Writer) error {
	fmt.Fprintln(stdout, "Test function")

	for i, c := range alignCases {
		got, ok := eval.LastWordSurprisal(io.Discard, c.sentence, c.scores)
		if ok != c.ok || (ok && got != c.want) {
			return fmt.Errorf("self test: alignment case %d: got (%v, %v), want (%v, %v)", i, got, ok, c.want, c.ok)
		}
	}

	a, b := 1.0, 3.0
	if m := eval.Mean([]*float64{&a, nil, &b}); math.Abs(m-2) > 1e-12 {
		return fmt.Errorf("self test: mean over non-null values: got %v, want 2", m)
	}
	logger.Log.Info("Self test passed", "alignment_cases", len(alignCases))
	return nil
}
