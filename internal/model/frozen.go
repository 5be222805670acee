package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

// FrozenConfig is the model_config.json of a frozen model directory.
type FrozenConfig struct {
	// Language holds the language tags of encoder A and B.
	Language     [2]string `json:"language"`
	OpsetVersion int64     `json:"onnx_opset_version"`
	// Inputs are the graph input names in positional order A, B and
	// InputFields the batch fields feeding them.
	Inputs      []string `json:"inputs"`
	InputFields []string `json:"input_fields"`
	Output      string   `json:"output"`
}

func (c FrozenConfig) validate() error {
	if len(c.Inputs) != 2 || len(c.InputFields) != 2 {
		return fmt.Errorf("%w: frozen model needs two inputs, got %d inputs and %d fields", ErrInvalidConfig, len(c.Inputs), len(c.InputFields))
	}
	if c.Output == "" {
		return fmt.Errorf("%w: frozen model has no output name", ErrInvalidConfig)
	}
	return nil
}

// FrozenModel is the inference-only backend. The graph computes both
// encoders and the head; heads are kept only for post-processing. Safe for
// concurrent Forward calls once heads are connected.
type FrozenModel struct {
	composer

	session *onnx.Session
	cfg     FrozenConfig
	device  device.Device
}

// LoadFrozen opens a directory written by Export.
func LoadFrozen(ctx context.Context, dir string, dev device.Device) (*FrozenModel, error) {
	_, span := tracer.Start(ctx, "LoadFrozen")
	defer span.End()
	span.SetAttributes(attribute.String("dir", dir), attribute.String("device", dev.String()))

	data, err := os.ReadFile(filepath.Join(dir, FrozenConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read frozen config: %w", err)
	}
	var cfg FrozenConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse frozen config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sess, err := onnx.NewSession(filepath.Join(dir, FrozenArtifactFile), onnx.SessionOptions{Device: dev})
	if errors.Is(err, device.ErrUnavailable) {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, dev)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("open frozen artifact: %w", err)
	}
	for _, in := range cfg.Inputs {
		if !slices.Contains(sess.InputNames(), in) {
			return nil, fmt.Errorf("%w: graph has no input %q", ErrInvalidConfig, in)
		}
	}
	if !slices.Contains(sess.OutputNames(), cfg.Output) {
		return nil, fmt.Errorf("%w: graph has no output %q", ErrInvalidConfig, cfg.Output)
	}

	configs, err := head.ConfigFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list heads: %w", err)
	}
	if len(configs) != 1 {
		return nil, fmt.Errorf("%w: frozen model needs exactly one head config, found %d", ErrInvalidConfig, len(configs))
	}
	h, _, err := head.Load(configs[0], false, false)
	if err != nil {
		return nil, err
	}

	fm := &FrozenModel{
		composer: newComposer([]head.Head{h}),
		session:  sess,
		cfg:      cfg,
		device:   dev,
	}
	log.Info().
		Str("dir", dir).
		Int64("opset", sess.OpsetVersion()).
		Str("task", h.Bound().TaskName).
		Msg("Loaded frozen model")
	return fm, nil
}

// Forward converts the input fields into int64 tensors, runs the graph and
// converts the logits back into a dense matrix.
func (f *FrozenModel) Forward(ctx context.Context, b *batch.Batch) (*Output, error) {
	ctx, span := tracer.Start(ctx, "FrozenModel.Forward")
	defer span.End()
	start := time.Now()

	out, err := f.forward(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	forwardDuration.WithLabelValues(KindFrozen.String()).Observe(time.Since(start).Seconds())
	forwardsTotal.WithLabelValues(KindFrozen.String(), f.mode.String()).Inc()
	span.SetAttributes(attribute.Int("batch_size", b.Size()))
	return out, nil
}

func (f *FrozenModel) forward(ctx context.Context, b *batch.Batch) (*Output, error) {
	inputs := make(map[string]*onnx.Tensor, len(f.cfg.Inputs))
	for i, name := range f.cfg.Inputs {
		field := f.cfg.InputFields[i]
		rows, ok := b.Field(field)
		if !ok {
			return nil, fmt.Errorf("batch has no field %q for input %s", field, name)
		}
		t, err := onnx.FromIDs(rows)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		inputs[name] = t
	}
	res, err := f.session.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	logits, err := res[f.cfg.Output].Dense()
	if err != nil {
		return nil, fmt.Errorf("output %s: %w", f.cfg.Output, err)
	}
	return &Output{Logits: []head.Logits{logits}}, nil
}

// Language returns the language tags recorded at export.
func (f *FrozenModel) Language() (string, string) {
	return f.cfg.Language[0], f.cfg.Language[1]
}

func (f *FrozenModel) Config() FrozenConfig { return f.cfg }

func (f *FrozenModel) Kind() Kind { return KindFrozen }
