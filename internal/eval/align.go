package eval

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/23skdu/longbow-surprisal/internal/metrics"
	"github.com/23skdu/longbow-surprisal/internal/scorer"
)

// LastWordSurprisal finds the run of trailing tokens whose concatenation is
// the last whitespace-delimited word of sentence and returns the largest
// surprisal in that run. Runs grow one token at a time from the end. When no
// run matches, the miss is reported on w and ok is false.
func LastWordSurprisal(w io.Writer, sentence string, scores []scorer.TokenScore) (surprisal float64, ok bool) {
	words := strings.Fields(sentence)
	lastWord := ""
	if len(words) > 0 {
		lastWord = words[len(words)-1]
	}
	target := norm.NFC.String(lastWord)

	if lastWord != "" {
		var joined string
		for i := 1; i <= len(scores); i++ {
			tok := scores[len(scores)-i]
			joined = tok.Token + joined
			if norm.NFC.String(joined) != target {
				continue
			}
			best := tok.Surprisal
			for _, ts := range scores[len(scores)-i:] {
				best = max(best, ts.Surprisal)
			}
			return best, true
		}
	}

	metrics.RecordLastWordMiss()
	fmt.Fprintf(w, "Last word not found in the surprisal list: %s\n", lastWord)
	return 0, false
}
