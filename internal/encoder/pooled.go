package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/atomicfile"
	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
	"github.com/23skdu/longbow-biadapt/internal/tokenizer"
)

// PooledType is the type tag written into the config of a Pooled encoder.
const PooledType = "pooled"

var tracer = otel.Tracer("biadapt-encoder")

// Config holds the configuration of a Pooled encoder.
type Config struct {
	Type         string  `json:"type"`
	Name         string  `json:"name"`
	Language     string  `json:"language"`
	VocabSize    int     `json:"vocab_size"`
	HiddenSize   int     `json:"hidden_size"`
	InputField   string  `json:"input_field"`
	LayerNormEps float64 `json:"layer_norm_eps"`
	Seed         uint64  `json:"seed,omitempty"`
}

// DefaultConfig returns a small English query encoder configuration.
func DefaultConfig() Config {
	return Config{
		Type:         PooledType,
		Name:         "pooled-tiny",
		Language:     "english",
		VocabSize:    30522,
		HiddenSize:   128,
		InputField:   "input_ids",
		LayerNormEps: 1e-12,
	}
}

func (c Config) validate() error {
	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.InputField == "":
		return errors.New("input_field must be set")
	case c.LayerNormEps <= 0:
		return fmt.Errorf("layer_norm_eps must be positive, got %g", c.LayerNormEps)
	}
	return nil
}

// Pooled embeds token ids, layer-normalises every token, averages over the
// sequence (padding included) and applies a dense tanh pooler.
type Pooled struct {
	cfg   Config
	dev   device.Device
	vocab []string
	word  *mat.Dense // vocab x hidden
	gamma []float64
	beta  []float64
	poolW *mat.Dense // hidden x hidden
	poolB []float64
}

// NewPooled creates a Pooled encoder with Xavier initialised weights.
func NewPooled(cfg Config) (*Pooled, error) {
	if cfg.Type == "" {
		cfg.Type = PooledType
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x94d049bb133111eb))
	p := &Pooled{
		cfg:   cfg,
		dev:   device.CPU,
		word:  xavierInit(cfg.VocabSize, cfg.HiddenSize, rng),
		gamma: make([]float64, cfg.HiddenSize),
		beta:  make([]float64, cfg.HiddenSize),
		poolW: xavierInit(cfg.HiddenSize, cfg.HiddenSize, rng),
		poolB: make([]float64, cfg.HiddenSize),
	}
	for i := range p.gamma {
		p.gamma[i] = 1
	}
	return p, nil
}

// xavierInit fills an r x c matrix with Glorot uniform values.
func xavierInit(r, c int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(r, c, data)
}

// SetVocab attaches the vocab the encoder was trained with. It is saved next
// to the weights.
func (p *Pooled) SetVocab(vocab []string) error {
	if len(vocab) != p.cfg.VocabSize {
		return fmt.Errorf("vocab has %d entries, encoder expects %d", len(vocab), p.cfg.VocabSize)
	}
	p.vocab = append([]string(nil), vocab...)
	return nil
}

func (p *Pooled) Vocab() []string { return append([]string(nil), p.vocab...) }
func (p *Pooled) Config() Config { return p.cfg }
func (p *Pooled) OutputDims() int { return p.cfg.HiddenSize }
func (p *Pooled) Language() string { return p.cfg.Language }
func (p *Pooled) Name() string { return p.cfg.Name }
func (p *Pooled) InputField() string { return p.cfg.InputField }

// Device returns the device the encoder is bound to.
func (p *Pooled) Device() device.Device { return p.dev }

// To binds the encoder to d. Computation runs through gonum's BLAS, so the
// device only has to be present.
func (p *Pooled) To(d device.Device) error {
	if err := device.Require(d); err != nil {
		return err
	}
	p.dev = d
	return nil
}

func (p *Pooled) Forward(ctx context.Context, b *batch.Batch) (*mat.Dense, []*mat.Dense, error) {
	_, span := tracer.Start(ctx, "Pooled.Forward")
	defer span.End()

	ids, ok := b.Field(p.cfg.InputField)
	if !ok {
		err := fmt.Errorf("encoder %s: batch has no field %q", p.cfg.Name, p.cfg.InputField)
		span.RecordError(err)
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(ids)), attribute.String("encoder", p.cfg.Name))

	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("encoder %s: empty batch", p.cfg.Name)
	}
	h := p.cfg.HiddenSize
	pooled := mat.NewDense(len(ids), h, nil)
	tokens := make([]*mat.Dense, len(ids))

	start := time.Now()
	nTokens := 0
	for i, seq := range ids {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if len(seq) == 0 {
			return nil, nil, fmt.Errorf("encoder %s: sample %d has no tokens", p.cfg.Name, i)
		}
		emb := buffers.getSeqHidden(len(seq), h)
		for t, id := range seq {
			if id < 0 || id >= p.cfg.VocabSize {
				buffers.putSeqHidden(emb)
				return nil, nil, fmt.Errorf("encoder %s: token id %d out of range [0, %d)", p.cfg.Name, id, p.cfg.VocabSize)
			}
			copy(emb.RawRowView(t), p.word.RawRowView(id))
		}

		norm := mat.NewDense(len(seq), h, nil)
		mean := pooled.RawRowView(i)
		for t := range seq {
			row := norm.RawRowView(t)
			layerNorm(row, emb.RawRowView(t), p.gamma, p.beta, p.cfg.LayerNormEps)
			floats.Add(mean, row)
		}
		floats.Scale(1/float64(len(seq)), mean)
		buffers.putSeqHidden(emb)

		tokens[i] = norm
		nTokens += len(seq)
	}
	layerDuration.WithLabelValues("embeddings", p.cfg.Name).Observe(time.Since(start).Seconds())

	start = time.Now()
	var out mat.Dense
	out.Mul(pooled, p.poolW)
	for i := range ids {
		row := out.RawRowView(i)
		floats.Add(row, p.poolB)
		for j, v := range row {
			row[j] = math.Tanh(v)
		}
	}
	layerDuration.WithLabelValues("pooler", p.cfg.Name).Observe(time.Since(start).Seconds())
	tokensProcessed.WithLabelValues(p.cfg.Name).Add(float64(nTokens))

	return &out, tokens, nil
}

// layerNorm writes the normalised x into dst.
func layerNorm(dst, x, gamma, beta []float64, eps float64) {
	n := float64(len(x))
	mean := floats.Sum(x) / n
	var variance float64
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	inv := 1 / math.Sqrt(variance/n+eps)
	for j, v := range x {
		dst[j] = (v-mean)*inv*gamma[j] + beta[j]
	}
}

// FormattedPreds renders one embedding record per sample.
func (p *Pooled) FormattedPreds(pooled *mat.Dense, fc *head.FormatContext) (head.Formatted, error) {
	if pooled == nil {
		return nil, fmt.Errorf("encoder %s: no pooled output to format", p.cfg.Name)
	}
	r, _ := pooled.Dims()
	out := make(head.FormattedList, r)
	for i := 0; i < r; i++ {
		rec := map[string]any{
			"encoder":   p.cfg.Name,
			"language":  p.cfg.Language,
			"embedding": mat.Row(nil, i, pooled),
		}
		if fc != nil && i < len(fc.Samples) {
			rec["id"] = fc.Samples[i].ID
		}
		out[i] = rec
	}
	return out, nil
}

// ExportGraph emits Gather, LayerNormalization, ReduceMean and the pooler.
func (p *Pooled) ExportGraph(g *onnx.GraphBuilder, input string) (string, error) {
	prefix := p.cfg.Name
	word := g.Initializer(prefix+"_word_embeddings", onnx.FromDense(p.word))
	gamma := g.Initializer(prefix+"_ln_gamma", onnx.NewFloat([]int{len(p.gamma)}, append([]float64(nil), p.gamma...)))
	beta := g.Initializer(prefix+"_ln_beta", onnx.NewFloat([]int{len(p.beta)}, append([]float64(nil), p.beta...)))
	poolW := g.Initializer(prefix+"_pooler_w", onnx.FromDense(p.poolW))
	poolB := g.Initializer(prefix+"_pooler_b", onnx.NewFloat([]int{len(p.poolB)}, append([]float64(nil), p.poolB...)))

	x := g.Node("Gather", []string{word, input})
	x = g.Node("LayerNormalization", []string{x, gamma, beta},
		onnx.IntAttr("axis", -1), onnx.FloatAttr("epsilon", float32(p.cfg.LayerNormEps)))
	x = g.Node("ReduceMean", []string{x}, onnx.IntsAttr("axes", 1), onnx.IntAttr("keepdims", 0))
	x = g.Node("MatMul", []string{x, poolW})
	x = g.Node("Add", []string{x, poolB})
	return g.Node("Tanh", []string{x}), nil
}

type pooledWeights struct {
	Word    []float64 `cbor:"word_embeddings"`
	Gamma   []float64 `cbor:"ln_gamma"`
	Beta    []float64 `cbor:"ln_beta"`
	PoolerW []float64 `cbor:"pooler_w"`
	PoolerB []float64 `cbor:"pooler_b"`
}

// Save writes the config, the weights and, if set, the vocab into dir.
func (p *Pooled) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg, err := json.MarshalIndent(p.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal encoder config: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, ConfigFile), cfg, 0o644); err != nil {
		return err
	}

	w, err := cbor.Marshal(pooledWeights{
		Word:    p.word.RawMatrix().Data,
		Gamma:   p.gamma,
		Beta:    p.beta,
		PoolerW: p.poolW.RawMatrix().Data,
		PoolerB: p.poolB,
	})
	if err != nil {
		return fmt.Errorf("marshal encoder weights: %w", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, WeightsFile), w, 0o644); err != nil {
		return err
	}

	if p.vocab != nil {
		if err := tokenizer.WriteVocab(filepath.Join(dir, VocabFile), p.vocab); err != nil {
			return fmt.Errorf("write vocab: %w", err)
		}
	}
	log.Debug().Str("dir", dir).Str("encoder", p.cfg.Name).Msg("Saved encoder")
	return nil
}

// LoadPooled reads a Pooled encoder written by Save.
func LoadPooled(dir string) (*Pooled, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read encoder config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse encoder config: %w", err)
	}
	p, err := NewPooled(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read encoder weights: %w", err)
	}
	var w pooledWeights
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode encoder weights: %w", err)
	}
	h, v := cfg.HiddenSize, cfg.VocabSize
	if len(w.Word) != v*h || len(w.Gamma) != h || len(w.Beta) != h || len(w.PoolerW) != h*h || len(w.PoolerB) != h {
		return nil, fmt.Errorf("encoder weights in %s do not match vocab_size=%d hidden_size=%d", dir, v, h)
	}
	p.word = mat.NewDense(v, h, w.Word)
	p.gamma, p.beta = w.Gamma, w.Beta
	p.poolW = mat.NewDense(h, h, w.PoolerW)
	p.poolB = w.PoolerB

	vocabPath := filepath.Join(dir, VocabFile)
	if _, err := os.Stat(vocabPath); err == nil {
		tk, err := tokenizer.Load(vocabPath)
		if err != nil {
			return nil, err
		}
		if err := p.SetVocab(tk.Vocab()); err != nil {
			return nil, err
		}
	}
	return p, nil
}
