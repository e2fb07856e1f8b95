package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

// byteToUnicode is the GPT-2 reversible mapping from raw bytes to printable
// runes used by byte-level BPE vocabularies.
var (
	byteToUnicode [256]rune
	unicodeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			byteToUnicode[b] = rune(b)
		} else {
			byteToUnicode[b] = rune(256 + n)
			n++
		}
		unicodeToByte[byteToUnicode[b]] = byte(b)
	}
}

// preSplit cuts text into pre-tokens the way the GPT-2 pattern does:
// contractions, optionally space-prefixed runs of letters, digits or other
// symbols, and whitespace runs that leave their last space to the next word.
func preSplit(text string) []string {
	var out []string
	i := 0
	for i < len(text) {
		if n := contraction(text[i:]); n > 0 {
			out = append(out, text[i:i+n])
			i += n
			continue
		}

		r, size := utf8.DecodeRuneInString(text[i:])
		start := i

		if r == ' ' && i+size < len(text) {
			next, _ := utf8.DecodeRuneInString(text[i+size:])
			if !unicode.IsSpace(next) {
				i += size
				i += runLength(text[i:], classOf(next))
				out = append(out, text[start:i])
				continue
			}
		}

		if !unicode.IsSpace(r) {
			i += runLength(text[i:], classOf(r))
			out = append(out, text[start:i])
			continue
		}

		// Whitespace run. When followed by a non-space, the final whitespace
		// rune is left for the next match.
		end := i + runLength(text[i:], classSpace)
		if end < len(text) {
			if _, lastSize := utf8.DecodeLastRuneInString(text[i:end]); end-lastSize > i {
				end -= lastSize
			}
		}
		out = append(out, text[i:end])
		i = end
	}
	return out
}

type runeClass int

const (
	classLetter runeClass = iota
	classNumber
	classOther
	classSpace
)

func classOf(r rune) runeClass {
	switch {
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	case unicode.IsSpace(r):
		return classSpace
	default:
		return classOther
	}
}

func runLength(s string, c runeClass) int {
	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if classOf(r) != c {
			break
		}
		n += size
	}
	return n
}

func contraction(s string) int {
	if len(s) < 2 || s[0] != '\'' {
		return 0
	}
	if len(s) >= 3 {
		switch s[1:3] {
		case "re", "ve", "ll":
			return 3
		}
	}
	switch s[1] {
	case 's', 't', 'm', 'd':
		return 2
	}
	return 0
}
