package scorer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-surprisal/internal/engine"
	"github.com/23skdu/longbow-surprisal/internal/hub"
	"github.com/23skdu/longbow-surprisal/internal/logger"
	"github.com/23skdu/longbow-surprisal/internal/metrics"
)

const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	positionIDs   = "position_ids"
	logitsOutput  = "logits"
)

// onnxModelFiles are tried in order inside a model directory or repo.
var onnxModelFiles = []string{"onnx/model.onnx", "model.onnx"}

var ortInit struct {
	sync.Mutex
	done bool
}

// textEncoder splits text into ids and single-token strings.
type textEncoder interface {
	Encode(text string) ([]int, []string, error)
}

// logitModel returns next-token logits for each input position.
type logitModel interface {
	Logits(ctx context.Context, ids []int) ([][]float32, error)
	Close() error
}

// ONNXScorer scores text with an exported causal LM under onnxruntime.
type ONNXScorer struct {
	name  string
	id    string
	enc   textEncoder
	model logitModel
}

// ONNXOptions locates the onnxruntime library and the model files.
type ONNXOptions struct {
	// Lib is the onnxruntime shared library. Empty uses the platform default.
	Lib string
	// Model is a local directory or an <org>/<repo>[@revision] hub id.
	Model string
}

// OpenONNX resolves tokenizer.json and model.onnx, then starts a session.
func OpenONNX(ctx context.Context, dl Downloader, opts ONNXOptions) (*ONNXScorer, error) {
	tokPath, modelPath, err := resolveONNXFiles(ctx, dl, opts.Model)
	if err != nil {
		return nil, err
	}

	tk, err := pretrained.FromFile(tokPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", tokPath, err)
	}

	if err := initORT(opts.Lib); err != nil {
		return nil, err
	}
	model, err := newORTModel(modelPath)
	if err != nil {
		return nil, err
	}

	files := []string{tokPath, modelPath}
	if _, err := os.Stat(modelPath + "_data"); err == nil {
		files = append(files, modelPath+"_data")
	}
	fp, err := fileFingerprint(files...)
	if err != nil {
		_ = model.Close()
		return nil, err
	}

	logger.Log.Info("onnx model loaded", "model", opts.Model, "path", modelPath)
	return &ONNXScorer{name: opts.Model, id: "onnx@sha256:" + fp, enc: hfEncoder{tk}, model: model}, nil
}

func (s *ONNXScorer) Name() string { return "onnx:" + s.name }

// Identity fingerprints the tokenizer and graph files that were loaded.
func (s *ONNXScorer) Identity() string { return s.id }

func (s *ONNXScorer) TokenScores(ctx context.Context, text string) ([]TokenScore, error) {
	ids, pieces, err := s.enc.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrEmptyText
	}

	logProbs := make([]float64, len(ids))
	if len(ids) > 1 {
		logits, err := s.model.Logits(ctx, ids[:len(ids)-1])
		if err != nil {
			return nil, err
		}
		if len(logits) != len(ids)-1 {
			return nil, fmt.Errorf("onnx: got %d logit rows for %d tokens", len(logits), len(ids)-1)
		}
		for i := 1; i < len(ids); i++ {
			if ids[i] >= len(logits[i-1]) {
				return nil, fmt.Errorf("onnx: token id %d outside vocabulary of %d", ids[i], len(logits[i-1]))
			}
			logProbs[i] = engine.LogProb(logits[i-1], ids[i])
		}
	}
	metrics.RecordTokens(len(ids))
	return fromLogProbs(pieces, logProbs), nil
}

func (s *ONNXScorer) Close() error { return s.model.Close() }

func resolveONNXFiles(ctx context.Context, dl Downloader, model string) (tok, onnx string, err error) {
	if st, statErr := os.Stat(model); statErr == nil && st.IsDir() {
		tok = filepath.Join(model, "tokenizer.json")
		if _, err := os.Stat(tok); err != nil {
			return "", "", fmt.Errorf("onnx model dir %s: %w", model, err)
		}
		for _, name := range onnxModelFiles {
			p := filepath.Join(model, filepath.FromSlash(name))
			if _, err := os.Stat(p); err == nil {
				return tok, p, nil
			}
		}
		return "", "", fmt.Errorf("onnx model dir %s: no model.onnx found", model)
	}

	repo, _, revision, err := splitHubRef(model)
	if err != nil {
		return "", "", fmt.Errorf("model %q: %w", model, err)
	}
	if dl == nil {
		return "", "", fmt.Errorf("model %q: no hub client configured", model)
	}
	if tok, err = dl.Download(ctx, hub.KindModel, repo, revision, "tokenizer.json"); err != nil {
		return "", "", err
	}
	for _, name := range onnxModelFiles {
		onnx, err = dl.Download(ctx, hub.KindModel, repo, revision, name)
		if errors.Is(err, hub.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		// Large exports keep weights in a sidecar file next to the graph.
		if _, err := dl.Download(ctx, hub.KindModel, repo, revision, name+"_data"); err != nil && !errors.Is(err, hub.ErrNotFound) {
			return "", "", err
		}
		return tok, onnx, nil
	}
	return "", "", fmt.Errorf("model %q: no model.onnx in repo: %w", model, hub.ErrNotFound)
}

func initORT(lib string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ortInit.done {
		return nil
	}
	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnxruntime: %w", err)
	}
	ortInit.done = true
	return nil
}

// hfEncoder adapts a tokenizer.json pipeline. Special tokens are not added.
type hfEncoder struct {
	tk *tokenizer.Tokenizer
}

func (h hfEncoder) Encode(text string) ([]int, []string, error) {
	en, err := h.tk.EncodeSingle(text, false)
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizing: %w", err)
	}
	pieces := make([]string, len(en.Ids))
	for i, id := range en.Ids {
		pieces[i] = h.tk.Decode([]int{id}, false)
	}
	return en.Ids, pieces, nil
}

type ortModel struct {
	session *ort.DynamicAdvancedSession
	inputs  []ort.InputOutputInfo
}

func newORTModel(path string) (*ortModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("reading onnx graph %s: %w", path, err)
	}
	hasLogits := false
	for _, o := range outputs {
		if o.Name == logitsOutput {
			hasLogits = true
		}
	}
	if !hasLogits {
		return nil, fmt.Errorf("onnx graph %s has no %q output", path, logitsOutput)
	}

	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.Name
		switch {
		case in.Name == inputIDs, in.Name == attentionMask, in.Name == positionIDs:
		case strings.HasPrefix(in.Name, "past_key_values."):
			if in.DataType != ort.TensorElementDataTypeFloat {
				return nil, fmt.Errorf("onnx input %s: only float32 caches are supported", in.Name)
			}
		default:
			return nil, fmt.Errorf("onnx input %s is not supported", in.Name)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, names, []string{logitsOutput}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}
	return &ortModel{session: session, inputs: inputs}, nil
}

func (m *ortModel) Logits(ctx context.Context, ids []int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int64(len(ids))
	values := make([]ort.Value, 0, len(m.inputs))
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()

	for _, in := range m.inputs {
		var (
			v   ort.Value
			err error
		)
		switch in.Name {
		case inputIDs:
			data := make([]int64, n)
			for i, id := range ids {
				data[i] = int64(id)
			}
			v, err = ort.NewTensor(ort.NewShape(1, n), data)
		case attentionMask:
			data := make([]int64, n)
			for i := range data {
				data[i] = 1
			}
			v, err = ort.NewTensor(ort.NewShape(1, n), data)
		case positionIDs:
			data := make([]int64, n)
			for i := range data {
				data[i] = int64(i)
			}
			v, err = ort.NewTensor(ort.NewShape(1, n), data)
		default:
			v, err = ort.NewEmptyTensor[float32](emptyCacheShape(in.Dimensions))
		}
		if err != nil {
			return nil, fmt.Errorf("building onnx input %s: %w", in.Name, err)
		}
		values = append(values, v)
	}

	outputs := []ort.Value{nil}
	start := time.Now()
	if err := m.session.Run(values, outputs); err != nil {
		return nil, fmt.Errorf("onnx forward: %w", err)
	}
	metrics.RecordForward(time.Since(start))
	defer func() { _ = outputs[0].Destroy() }()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx logits: unexpected output type %T", outputs[0])
	}
	shape := out.GetShape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != n {
		return nil, fmt.Errorf("onnx logits: unexpected shape %v", shape)
	}
	vocab := int(shape[2])
	data := out.GetData()
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = append([]float32(nil), data[i*vocab:(i+1)*vocab]...)
	}
	return rows, nil
}

func (m *ortModel) Close() error { return m.session.Destroy() }

// emptyCacheShape fills dynamic dims of a past key/value input: batch is 1,
// the past sequence length is 0.
func emptyCacheShape(dims ort.Shape) ort.Shape {
	shape := make(ort.Shape, len(dims))
	first := true
	for i, d := range dims {
		switch {
		case d >= 0:
			shape[i] = d
		case first:
			shape[i] = 1
			first = false
		default:
			shape[i] = 0
		}
	}
	return shape
}
