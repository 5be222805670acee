// Package model binds two encoders and an ordered sequence of prediction
// heads into one bi-adaptive composition, and provides the trainable and the
// frozen execution backend behind the Backend interface.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

var tracer = otel.Tracer("biadapt-model")

// Default encoder sub-directories inside a saved composition.
const (
	DefaultLM1Dir = "lm1"
	DefaultLM2Dir = "lm2"
)

type options struct {
	dropout        float64
	device         device.Device
	modesA, modesB []OutputType
	aggregate      LossAggregator
	seed           uint64

	// Load only.
	tasks          head.Tasks
	requireLabels  bool
	lm1Dir, lm2Dir string
	strict         bool
}

func defaultOptions() options {
	return options{
		dropout:       0.1,
		device:        device.CPU,
		modesA:        []OutputType{PerSequence},
		modesB:        []OutputType{PerSequence},
		aggregate:     SumLosses,
		seed:          42,
		requireLabels: true,
		lm1Dir:        DefaultLM1Dir,
		lm2Dir:        DefaultLM2Dir,
	}
}

// Option configures New, LoadTrainable and Load.
type Option func(*options)

// WithDropout sets the dropout probability applied to both pooled outputs.
func WithDropout(p float64) Option {
	return func(o *options) { o.dropout = p }
}

func WithDevice(d device.Device) Option {
	return func(o *options) { o.device = d }
}

// WithOutputTypes sets the extraction mode of encoder A and B per head. A
// single entry applies to every head.
func WithOutputTypes(a, b []OutputType) Option {
	return func(o *options) {
		o.modesA = append([]OutputType(nil), a...)
		o.modesB = append([]OutputType(nil), b...)
	}
}

func WithLossAggregator(fn LossAggregator) Option {
	return func(o *options) { o.aggregate = fn }
}

// WithSeed seeds both dropout streams.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithTasks rebinds loaded heads to tasks. requireLabels makes an empty label
// list an error.
func WithTasks(tasks head.Tasks, requireLabels bool) Option {
	return func(o *options) {
		o.tasks = tasks
		o.requireLabels = requireLabels
	}
}

// WithEncoderDirs overrides the encoder sub-directory names used by Save and Load.
func WithEncoderDirs(lm1, lm2 string) Option {
	return func(o *options) { o.lm1Dir, o.lm2Dir = lm1, lm2 }
}

// WithStrict makes a missing head weights file a load error.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// Model is the trainable backend. It is not safe for concurrent use: dropout
// masks share one random source and encoders may hold mutable buffers.
type Model struct {
	composer

	encA, encB     encoder.Encoder
	dropA, dropB   *dropout
	modesA, modesB []OutputType
	aggregate      LossAggregator
	device         device.Device
	lm1Dir, lm2Dir string
}

// New binds encA, encB and heads into a composition on the configured device.
func New(encA, encB encoder.Encoder, heads []head.Head, opts ...Option) (*Model, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newModel(encA, encB, heads, o)
}

// NewForEmbedding returns a composition without heads, whose forward pass
// yields the pooled outputs of both encoders.
func NewForEmbedding(encA, encB encoder.Encoder, opts ...Option) (*Model, error) {
	return New(encA, encB, nil, opts...)
}

func newModel(encA, encB encoder.Encoder, heads []head.Head, o options) (*Model, error) {
	if encA == nil || encB == nil {
		return nil, ErrNoEncoders
	}
	if o.dropout < 0 || o.dropout >= 1 {
		return nil, fmt.Errorf("%w: dropout %v outside [0, 1)", ErrInvalidConfig, o.dropout)
	}
	if o.aggregate == nil {
		o.aggregate = SumLosses
	}
	modesA, err := broadcastModes(o.modesA, len(heads), "A")
	if err != nil {
		return nil, err
	}
	modesB, err := broadcastModes(o.modesB, len(heads), "B")
	if err != nil {
		return nil, err
	}
	if err := encA.To(o.device); err != nil {
		return nil, fmt.Errorf("encoder A: %w", err)
	}
	if err := encB.To(o.device); err != nil {
		return nil, fmt.Errorf("encoder B: %w", err)
	}

	m := &Model{
		composer:  newComposer(heads),
		encA:      encA,
		encB:      encB,
		dropA:     newDropout(o.dropout, o.seed),
		dropB:     newDropout(o.dropout, o.seed+1),
		modesA:    modesA,
		modesB:    modesB,
		aggregate: o.aggregate,
		device:    o.device,
		lm1Dir:    o.lm1Dir,
		lm2Dir:    o.lm2Dir,
	}
	m.fmtA, _ = encA.(encoder.Formatter)
	m.fmtB, _ = encB.(encoder.Formatter)

	langA, langB := m.Language()
	log.Info().
		Str("encoder_a", encA.Name()).
		Str("encoder_b", encB.Name()).
		Str("lang_a", langA).
		Str("lang_b", langB).
		Int("heads", len(heads)).
		Str("mode", m.mode.String()).
		Float64("dropout", o.dropout).
		Str("device", o.device.String()).
		Bool("merge", m.merger != nil).
		Msg("Created bi-adaptive model")
	return m, nil
}

// broadcastModes expands a one-element mode list to n heads.
func broadcastModes(modes []OutputType, n int, enc string) ([]OutputType, error) {
	if n == 0 {
		return nil, nil
	}
	switch len(modes) {
	case n:
		return append([]OutputType(nil), modes...), nil
	case 1:
		out := make([]OutputType, n)
		for i := range out {
			out[i] = modes[0]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d output types for encoder %s, %d heads", ErrInvalidConfig, len(modes), enc, n)
	}
}

// Forward runs both encoders on b and feeds their pooled outputs to every
// head. With no heads it returns the pooled outputs unchanged.
func (m *Model) Forward(ctx context.Context, b *batch.Batch) (*Output, error) {
	ctx, span := tracer.Start(ctx, "Model.Forward")
	defer span.End()
	start := time.Now()

	out, err := m.forward(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	forwardDuration.WithLabelValues(KindTrainable.String()).Observe(time.Since(start).Seconds())
	forwardsTotal.WithLabelValues(KindTrainable.String(), m.mode.String()).Inc()
	span.SetAttributes(attribute.Int("heads", len(m.heads)), attribute.Int("batch_size", b.Size()))
	return out, nil
}

func (m *Model) forward(ctx context.Context, b *batch.Batch) (*Output, error) {
	// Reject bad modes before any encoder or head work.
	for i := range m.heads {
		if !m.modesA[i].pooled() {
			return nil, fmt.Errorf("%w: %q for encoder A, head %d", ErrUnsupportedExtractionMode, m.modesA[i], i)
		}
		if !m.modesB[i].pooled() {
			return nil, fmt.Errorf("%w: %q for encoder B, head %d", ErrUnsupportedExtractionMode, m.modesB[i], i)
		}
	}

	pooledA, _, err := m.encA.Forward(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("encoder A: %w", err)
	}
	pooledB, _, err := m.encB.Forward(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("encoder B: %w", err)
	}

	if m.mode == ModeEmbedding {
		return &Output{Pooled: &PooledPair{A: pooledA, B: pooledB}}, nil
	}

	logits := make([]head.Logits, len(m.heads))
	for i, h := range m.heads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := h.Forward(m.dropA.apply(pooledA), m.dropB.apply(pooledB))
		if err != nil {
			return nil, fmt.Errorf("head %d (%s): %w", i, h.Bound().TaskName, err)
		}
		logits[i] = l
	}
	return &Output{Logits: logits}, nil
}

// LogitsToLossPerHead returns the per-sample loss of every head, in head order.
func (m *Model) LogitsToLossPerHead(logits []head.Logits, b *batch.Batch) ([]*mat.VecDense, error) {
	if err := m.checkLogits(logits); err != nil {
		return nil, err
	}
	if err := m.checkConnected(); err != nil {
		return nil, err
	}
	losses := make([]*mat.VecDense, len(m.heads))
	for i, h := range m.heads {
		l, err := h.LogitsToLoss(logits[i], b)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", h.Bound().TaskName, err)
		}
		losses[i] = l
		headLoss.WithLabelValues(h.Bound().TaskName).Set(mat.Sum(l) / float64(max(l.Len(), 1)))
	}
	return losses, nil
}

// LogitsToLoss aggregates the head losses into one loss per sample. step is
// passed to the aggregator and may be nil.
func (m *Model) LogitsToLoss(logits []head.Logits, step *int, b *batch.Batch) (*mat.VecDense, error) {
	losses, err := m.LogitsToLossPerHead(logits, b)
	if err != nil {
		return nil, err
	}
	loss, err := m.aggregate(losses, step, b)
	if err != nil {
		return nil, fmt.Errorf("aggregate losses: %w", err)
	}
	if loss == nil {
		return nil, errors.New("aggregator returned no losses")
	}
	if n := losses[0].Len(); loss.Len() != n {
		return nil, fmt.Errorf("aggregator returned %d losses for %d samples", loss.Len(), n)
	}
	return loss, nil
}

// SetTraining switches dropout on or off. New models start in eval mode.
func (m *Model) SetTraining(training bool) {
	m.dropA.training = training
	m.dropB.training = training
}

// Language returns the language tags of encoder A and B.
func (m *Model) Language() (string, string) {
	return m.encA.Language(), m.encB.Language()
}

// Encoders returns encoder A and B.
func (m *Model) Encoders() (encoder.Encoder, encoder.Encoder) {
	return m.encA, m.encB
}

// OutputTypes returns the extraction modes of encoder A and B per head.
func (m *Model) OutputTypes() ([]OutputType, []OutputType) {
	return append([]OutputType(nil), m.modesA...), append([]OutputType(nil), m.modesB...)
}

func (m *Model) Device() device.Device { return m.device }

func (m *Model) Kind() Kind { return KindTrainable }
