package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/atomicfile"
	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

// Graph value names of a frozen model.
const (
	inputA      = "input_a"
	inputB      = "input_b"
	outputName  = "logits"
	producerTag = "longbow-biadapt"
)

// ExportOptions configures Export.
type ExportOptions struct {
	Opset int64
	// Tolerance is the largest absolute logit difference accepted between
	// the trainable model and the frozen graph on the probe batch.
	Tolerance float64
	// Probe is run through both models. A small fixed batch is used when nil.
	Probe *batch.Batch
}

func DefaultExportOptions() ExportOptions {
	return ExportOptions{Opset: onnx.DefaultOpset, Tolerance: 1e-4}
}

// exportWrapper runs a trainable model with positional inputs in the fixed
// order A, B, the calling convention of the frozen graph.
type exportWrapper struct {
	m              *Model
	fieldA, fieldB string
}

func (w exportWrapper) forward(ctx context.Context, idsA, idsB [][]int) (*mat.Dense, error) {
	if w.fieldA == w.fieldB && !slices.EqualFunc(idsA, idsB, slices.Equal[[]int]) {
		return nil, fmt.Errorf("encoders share field %q but inputs differ", w.fieldA)
	}
	b := batch.New(len(idsA))
	if err := b.Set(w.fieldA, idsA); err != nil {
		return nil, err
	}
	if w.fieldB != w.fieldA {
		if err := b.Set(w.fieldB, idsB); err != nil {
			return nil, err
		}
	}

	training := w.m.dropA.training
	w.m.SetTraining(false)
	defer w.m.SetTraining(training)

	out, err := w.m.Forward(ctx, b)
	if err != nil {
		return nil, err
	}
	logits, ok := out.Logits[0].(*mat.Dense)
	if !ok {
		return nil, fmt.Errorf("%w: head logits are %T", ErrUnsupportedConversion, out.Logits[0])
	}
	return logits, nil
}

// Export compiles m into a frozen model directory. Only compositions with
// one single-layer exportable head over two exportable encoders convert.
// The graph is checked against the trainable model on a probe batch before
// anything is written; model.onnx is written last. dir must not hold the
// heads of a trainable model.
func Export(ctx context.Context, m *Model, dir string, opts ExportOptions) (err error) {
	ctx, span := tracer.Start(ctx, "Export")
	defer span.End()
	span.SetAttributes(attribute.String("dir", dir))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
		}
		exportsTotal.WithLabelValues(status).Inc()
	}()

	if opts.Opset == 0 {
		opts.Opset = onnx.DefaultOpset
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultExportOptions().Tolerance
	}

	if !isFrozenDir(dir) {
		if configs, err := head.ConfigFiles(dir); err == nil && len(configs) > 0 {
			return fmt.Errorf("%w: %s holds trainable head files", ErrInvalidConfig, dir)
		}
	}

	if len(m.heads) != 1 {
		return fmt.Errorf("%w: need exactly one prediction head, got %d", ErrUnsupportedConversion, len(m.heads))
	}
	h := m.heads[0]
	hx, ok := h.(head.Exportable)
	if !ok {
		return fmt.Errorf("%w: head %T is not exportable", ErrUnsupportedConversion, h)
	}
	if hx.Layers() > 1 {
		return fmt.Errorf("%w: head has %d layers, only single-layer heads convert", ErrUnsupportedConversion, hx.Layers())
	}
	exA, okA := m.encA.(encoder.Exportable)
	exB, okB := m.encB.(encoder.Exportable)
	if !okA || !okB {
		return fmt.Errorf("%w: both encoders must be exportable", ErrUnsupportedConversion)
	}
	if !m.modesA[0].pooled() || !m.modesB[0].pooled() {
		return fmt.Errorf("%w: %q/%q", ErrUnsupportedExtractionMode, m.modesA[0], m.modesB[0])
	}

	g := onnx.NewGraphBuilder("biadapt")
	inA := g.Input(inputA, onnx.TypeInt64, []int64{-1, -1}, "batch", "seq_a")
	inB := g.Input(inputB, onnx.TypeInt64, []int64{-1, -1}, "batch", "seq_b")
	pooledA, err := exA.ExportGraph(g, inA)
	if err != nil {
		return fmt.Errorf("%w: encoder A: %w", ErrUnsupportedConversion, err)
	}
	pooledB, err := exB.ExportGraph(g, inB)
	if err != nil {
		return fmt.Errorf("%w: encoder B: %w", ErrUnsupportedConversion, err)
	}
	logits, err := hx.ExportGraph(g, pooledA, pooledB)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedConversion, err)
	}
	g.Output(logits, outputName, onnx.TypeFloat, []int64{-1, -1}, "batch", "logits")

	langA, langB := m.Language()
	proto := g.Model(producerTag, opts.Opset)
	proto.MetadataProps = []onnx.StringStringEntry{
		{Key: "language_a", Value: langA},
		{Key: "language_b", Value: langB},
		{Key: "task", Value: h.Bound().TaskName},
	}
	data := onnx.Marshal(proto)

	w := exportWrapper{m: m, fieldA: exA.InputField(), fieldB: exB.InputField()}
	if err := verifyExport(ctx, w, data, opts); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := h.Config()
	cfg.LM1OutputType = string(m.modesA[0])
	cfg.LM2OutputType = string(m.modesB[0])
	if err := removeHeadFiles(dir); err != nil {
		return err
	}
	if err := head.SaveConfig(dir, head.FileStem(0, 1), cfg); err != nil {
		return fmt.Errorf("save head config: %w", err)
	}
	fc, err := json.MarshalIndent(FrozenConfig{
		Language:     [2]string{langA, langB},
		OpsetVersion: opts.Opset,
		Inputs:       []string{inA, inB},
		InputFields:  []string{w.fieldA, w.fieldB},
		Output:       outputName,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, FrozenConfigFile), fc, 0o644); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(filepath.Join(dir, FrozenArtifactFile), data, 0o644); err != nil {
		return err
	}
	log.Info().
		Str("dir", dir).
		Int64("opset", opts.Opset).
		Int("bytes", len(data)).
		Str("task", h.Bound().TaskName).
		Msg("Exported frozen model")
	return nil
}

// defaultProbe uses ids 0 and 1 only so any vocabulary can embed it.
func defaultProbe() [][]int {
	return [][]int{{0, 1, 0, 1}, {1, 1, 0, 0}}
}

func verifyExport(ctx context.Context, w exportWrapper, data []byte, opts ExportOptions) error {
	idsA, idsB := defaultProbe(), defaultProbe()
	if opts.Probe != nil {
		var okA, okB bool
		idsA, okA = opts.Probe.Field(w.fieldA)
		idsB, okB = opts.Probe.Field(w.fieldB)
		if !okA || !okB {
			return fmt.Errorf("probe batch needs fields %q and %q", w.fieldA, w.fieldB)
		}
	}
	want, err := w.forward(ctx, idsA, idsB)
	if err != nil {
		return fmt.Errorf("run trainable probe: %w", err)
	}

	parsed, err := onnx.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("reparse exported graph: %w", err)
	}
	sess, err := onnx.NewSessionFromModel(parsed, onnx.SessionOptions{Device: device.CPU})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedConversion, err)
	}
	tA, err := onnx.FromIDs(idsA)
	if err != nil {
		return err
	}
	tB, err := onnx.FromIDs(idsB)
	if err != nil {
		return err
	}
	res, err := sess.Run(ctx, map[string]*onnx.Tensor{inputA: tA, inputB: tB})
	if err != nil {
		return fmt.Errorf("run frozen probe: %w", err)
	}
	got, err := res[outputName].Dense()
	if err != nil {
		return err
	}

	wr, wc := want.Dims()
	gr, gc := got.Dims()
	if wr != gr || wc != gc {
		return fmt.Errorf("frozen graph returned %dx%d logits, trainable model %dx%d", gr, gc, wr, wc)
	}
	var diff mat.Dense
	diff.Sub(want, got)
	if d := floats.Norm(diff.RawMatrix().Data, math.Inf(1)); d > opts.Tolerance {
		return fmt.Errorf("frozen graph deviates from trainable model by %g (tolerance %g)", d, opts.Tolerance)
	}
	return nil
}
