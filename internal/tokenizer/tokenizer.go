package tokenizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-surprisal/internal/gguf"
	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	ModelSPM = "llama"
	ModelBPE = "gpt2"

	spaceMarker = "▁"
)

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal      = 1
	TypeUnknown     = 2
	TypeControl     = 3
	TypeUserDefined = 4
	TypeUnused      = 5
	TypeByte        = 6
)

var ErrNoVocab = errors.New("tokenizer.ggml.tokens not found in GGUF")

type Tokenizer struct {
	Model  string
	Tokens []string
	Vocab  map[string]int
	Scores []float32 // optional
	Types  []int     // optional

	merges         map[string]int
	bos, eos, unk  int
	addBOS         bool
	addSpacePrefix bool
}

// New loads the tokenizer embedded in a GGUF model file.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromGGUF(f)
}

// FromGGUF builds a tokenizer from already parsed metadata. The returned
// tokenizer does not reference f after the call.
func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.KVStrings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, ErrNoVocab
	}

	t := &Tokenizer{
		Model:  f.KVString("tokenizer.ggml.model", ModelSPM),
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		Scores: f.KVFloats("tokenizer.ggml.scores"),
		Types:  f.KVInts("tokenizer.ggml.token_type"),
		bos:    int(f.KVUint("tokenizer.ggml.bos_token_id", 1)),
		eos:    int(f.KVUint("tokenizer.ggml.eos_token_id", 2)),
		unk:    int(f.KVUint("tokenizer.ggml.unknown_token_id", 0)),
	}
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; !dup {
			t.Vocab[s] = i
		}
	}

	switch t.Model {
	case ModelSPM:
		t.addBOS = f.KVBool("tokenizer.ggml.add_bos_token", true)
		t.addSpacePrefix = f.KVBool("tokenizer.ggml.add_space_prefix", true)
	case ModelBPE:
		t.addBOS = f.KVBool("tokenizer.ggml.add_bos_token", false)
		merges, err := f.KVStrings("tokenizer.ggml.merges")
		if err != nil {
			return nil, fmt.Errorf("gpt2 tokenizer: %w", err)
		}
		t.merges = make(map[string]int, len(merges))
		for rank, m := range merges {
			if _, dup := t.merges[m]; !dup {
				t.merges[m] = rank
			}
		}
	default:
		return nil, fmt.Errorf("unsupported tokenizer model %q", t.Model)
	}

	logger.Log.Debug("Tokenizer loaded", "model", t.Model, "vocab", len(tokens), "bos", t.bos, "add_bos", t.addBOS)
	return t, nil
}

func (t *Tokenizer) BOS() int     { return t.bos }
func (t *Tokenizer) EOS() int     { return t.eos }
func (t *Tokenizer) AddBOS() bool { return t.addBOS }

// VocabSize is the number of entries in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.Tokens) }

// Encode converts text to token ids. No BOS is prepended.
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	if t.Model == ModelBPE {
		return t.encodeBPE(text)
	}
	return t.encodeSPM(text)
}

// Decode renders ids back to text. Control tokens are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var raw []byte
	for _, id := range ids {
		raw = append(raw, t.pieceBytes(id)...)
	}
	s := string(raw)
	if t.Model == ModelSPM && t.addSpacePrefix {
		s = strings.TrimPrefix(s, " ")
	}
	return strings.ToValidUTF8(s, "�")
}

// Piece renders a single token as text. Partial UTF-8 sequences from byte
// tokens come out as U+FFFD.
func (t *Tokenizer) Piece(id int) string {
	return strings.ToValidUTF8(string(t.pieceBytes(id)), "�")
}

func (t *Tokenizer) tokenType(id int) int {
	if id < len(t.Types) {
		return t.Types[id]
	}
	return TypeNormal
}

func (t *Tokenizer) pieceBytes(id int) []byte {
	if id < 0 || id >= len(t.Tokens) {
		return nil
	}
	switch t.tokenType(id) {
	case TypeControl, TypeUnused:
		return nil
	}
	tok := t.Tokens[id]

	if t.Model == ModelBPE {
		out := make([]byte, 0, len(tok))
		for _, r := range tok {
			if b, ok := unicodeToByte[r]; ok {
				out = append(out, b)
			} else {
				out = utf8.AppendRune(out, r)
			}
		}
		return out
	}

	if b, ok := parseByteToken(tok); ok {
		return []byte{b}
	}
	return []byte(strings.ReplaceAll(tok, spaceMarker, " "))
}

// parseByteToken recognises SentencePiece byte fallback pieces like <0x0A>.
func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *Tokenizer) score(id int) float32 {
	if id < len(t.Scores) {
		return t.Scores[id]
	}
	return 0
}

func (t *Tokenizer) encodeSPM(text string) []int {
	if t.addSpacePrefix {
		text = " " + text
	}
	text = strings.ReplaceAll(text, " ", spaceMarker)

	symbols := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		symbols = append(symbols, string(r))
	}

	// Merge the highest scoring adjacent pair until none is in the vocabulary.
	for len(symbols) > 1 {
		best := -1
		var bestScore float32
		for i := 0; i+1 < len(symbols); i++ {
			id, ok := t.Vocab[symbols[i]+symbols[i+1]]
			if !ok {
				continue
			}
			if s := t.score(id); best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			break
		}
		symbols[best] += symbols[best+1]
		symbols = append(symbols[:best+1], symbols[best+2:]...)
	}

	ids := make([]int, 0, len(symbols))
	for _, s := range symbols {
		if id, ok := t.Vocab[s]; ok {
			ids = append(ids, id)
			continue
		}
		for i := 0; i < len(s); i++ {
			if id, ok := t.Vocab[fmt.Sprintf("<0x%02X>", s[i])]; ok {
				ids = append(ids, id)
			} else {
				ids = append(ids, t.unk)
			}
		}
	}
	return ids
}

func (t *Tokenizer) encodeBPE(text string) []int {
	var ids []int
	for _, word := range preSplit(text) {
		symbols := make([]string, 0, len(word))
		for i := 0; i < len(word); i++ {
			symbols = append(symbols, string(byteToUnicode[word[i]]))
		}

		for len(symbols) > 1 {
			best, bestRank := -1, 0
			for i := 0; i+1 < len(symbols); i++ {
				rank, ok := t.merges[symbols[i]+" "+symbols[i+1]]
				if ok && (best < 0 || rank < bestRank) {
					best, bestRank = i, rank
				}
			}
			if best < 0 {
				break
			}
			symbols[best] += symbols[best+1]
			symbols = append(symbols[:best+1], symbols[best+2:]...)
		}

		for _, s := range symbols {
			if id, ok := t.Vocab[s]; ok {
				ids = append(ids, id)
				continue
			}
			for _, r := range s {
				if id, ok := t.Vocab[string(r)]; ok {
					ids = append(ids, id)
				} else {
					ids = append(ids, t.unk)
				}
			}
		}
	}
	return ids
}
