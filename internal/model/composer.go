package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

// Output is the result of a forward pass. In ModeEmbedding Pooled holds the
// raw pooled outputs of both encoders and Logits is nil; otherwise Logits
// holds one entry per head in head order.
type Output struct {
	Logits []head.Logits
	Pooled *PooledPair
}

// PooledPair holds the pooled outputs of encoder A and encoder B.
type PooledPair struct {
	A, B *mat.Dense
}

// Formatted is the consumer-facing rendering of predictions. Which fields
// are set depends on Mode:
//
//   - ModeEmbedding: A and B, rendered by the encoders.
//   - ModeSingle: Items.
//   - ModeMulti: Merged when exactly one head can merge, PerHead otherwise.
type Formatted struct {
	Mode    Mode
	A, B    head.Formatted
	Items   head.FormattedList
	PerHead [][]head.Formatted
	Merged  head.Formatted
}

// composer holds the head sequence and the post-processing shared by both
// backends.
type composer struct {
	heads  []head.Head
	mode   Mode
	merger head.Merger
	// Encoder formatters for ModeEmbedding, nil when unavailable.
	fmtA, fmtB encoder.Formatter
}

func newComposer(heads []head.Head) composer {
	c := composer{
		heads: append([]head.Head(nil), heads...),
		mode:  modeFor(len(heads)),
	}
	var mergers []head.Merger
	for _, h := range heads {
		if m, ok := h.(head.Merger); ok {
			mergers = append(mergers, m)
		}
	}
	switch {
	case len(mergers) == 1:
		c.merger = mergers[0]
	case len(mergers) > 1:
		// Ambiguous: outputs stay per head.
		log.Warn().Int("mergers", len(mergers)).Msg("More than one prediction head can merge predictions, merging disabled")
	}
	return c
}

// Heads returns the heads in order.
func (c *composer) Heads() []head.Head {
	return append([]head.Head(nil), c.heads...)
}

// Mode returns the head-count mode fixed at construction.
func (c *composer) Mode() Mode {
	return c.mode
}

// ConnectHeadsWithProcessor copies task metadata from tasks onto every head.
// Nothing is modified when any head fails validation. Calling it again
// overwrites earlier bindings. It must not run concurrently with other
// methods.
func (c *composer) ConnectHeadsWithProcessor(tasks head.Tasks, requireLabels bool) error {
	resolved := make([]head.Task, len(c.heads))
	for i, h := range c.heads {
		name := h.Bound().TaskName
		t, ok := tasks[name]
		if !ok {
			return fmt.Errorf("%w: %q (head %d)", ErrUnknownTask, name, i)
		}
		if requireLabels && len(t.LabelList) == 0 {
			return fmt.Errorf("%w: %q", ErrMissingLabelList, name)
		}
		resolved[i] = t
	}
	for i, h := range c.heads {
		h.Bound().Connect(resolved[i])
	}
	log.Debug().Int("heads", len(c.heads)).Msg("Connected prediction heads to tasks")
	return nil
}

// checkConnected returns ErrHeadNotConnected naming every unconnected head.
func (c *composer) checkConnected() error {
	var missing []string
	for _, h := range c.heads {
		if !h.Bound().Connected() {
			missing = append(missing, h.Bound().TaskName)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrHeadNotConnected, strings.Join(missing, ", "))
	}
	return nil
}

func (c *composer) checkLogits(logits []head.Logits) error {
	if len(c.heads) == 0 {
		return fmt.Errorf("%w: composition has no prediction heads", ErrInvalidConfig)
	}
	if len(logits) != len(c.heads) {
		return fmt.Errorf("%w: got logits for %d heads, composition has %d", ErrInvalidConfig, len(logits), len(c.heads))
	}
	return nil
}

// LogitsToPreds returns one prediction sequence per head, in head order.
func (c *composer) LogitsToPreds(logits []head.Logits, b *batch.Batch) ([][]head.Prediction, error) {
	if err := c.checkLogits(logits); err != nil {
		return nil, err
	}
	preds := make([][]head.Prediction, len(c.heads))
	for i, h := range c.heads {
		p, err := h.LogitsToPreds(logits[i], b)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", h.Bound().TaskName, err)
		}
		preds[i] = p
	}
	return preds, nil
}

// PrepareLabels returns the ground truth of every head, in head order.
func (c *composer) PrepareLabels(b *batch.Batch) ([][]head.Prediction, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	labels := make([][]head.Prediction, len(c.heads))
	for i, h := range c.heads {
		l, err := h.PrepareLabels(b)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", h.Bound().TaskName, err)
		}
		labels[i] = l
	}
	return labels, nil
}

// FormattedPreds renders predictions in the shape the head count calls for.
// out may be nil in ModeMulti, where heads format fc.Preds only.
func (c *composer) FormattedPreds(out *Output, fc *head.FormatContext) (*Formatted, error) {
	if fc == nil {
		fc = &head.FormatContext{}
	}
	switch c.mode {
	case ModeEmbedding:
		return c.formatEmbeddings(out, fc)
	case ModeSingle:
		return c.formatSingle(out, fc)
	default:
		return c.formatMulti(fc)
	}
}

func (c *composer) formatEmbeddings(out *Output, fc *head.FormatContext) (*Formatted, error) {
	if out == nil || out.Pooled == nil {
		return nil, fmt.Errorf("%w: embedding mode needs pooled outputs", ErrUnexpectedFormat)
	}
	if c.fmtA == nil || c.fmtB == nil {
		return nil, fmt.Errorf("%w: encoders cannot format their output", ErrUnexpectedFormat)
	}
	a, err := c.fmtA.FormattedPreds(out.Pooled.A, fc)
	if err != nil {
		return nil, fmt.Errorf("encoder A: %w", err)
	}
	b, err := c.fmtB.FormattedPreds(out.Pooled.B, fc)
	if err != nil {
		return nil, fmt.Errorf("encoder B: %w", err)
	}
	return &Formatted{Mode: ModeEmbedding, A: a, B: b}, nil
}

func (c *composer) formatSingle(out *Output, fc *head.FormatContext) (*Formatted, error) {
	var logits head.Logits
	if out != nil && len(out.Logits) > 0 {
		logits = out.Logits[0]
	}
	var preds []head.Prediction
	if fc.Preds != nil {
		for i, perHead := range fc.Preds {
			if len(perHead) != 1 {
				return nil, fmt.Errorf("%w: batch %d has predictions for %d heads, expected 1", ErrUnexpectedFormat, i, len(perHead))
			}
			preds = append(preds, perHead[0]...)
		}
	}

	res, err := c.heads[0].FormattedPreds(logits, preds, fc)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case head.FormattedList:
		return &Formatted{Mode: ModeSingle, Items: r}, nil
	case head.FormattedDoc:
		if _, ok := r["predictions"]; !ok {
			return nil, fmt.Errorf("%w: document without a predictions key", ErrUnexpectedFormat)
		}
		return &Formatted{Mode: ModeSingle, Items: head.FormattedList{map[string]any(r)}}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedFormat, res)
	}
}

func (c *composer) formatMulti(fc *head.FormatContext) (*Formatted, error) {
	if len(fc.Preds) == 0 {
		return nil, ErrMissingPredictions
	}
	// Stack the per-batch predictions by head index.
	perHeadPreds := make([][]head.Prediction, len(c.heads))
	for i, perHead := range fc.Preds {
		if len(perHead) != len(c.heads) {
			return nil, fmt.Errorf("%w: batch %d has predictions for %d heads, expected %d", ErrMissingPredictions, i, len(perHead), len(c.heads))
		}
		for h, p := range perHead {
			perHeadPreds[h] = append(perHeadPreds[h], p...)
		}
	}
	ctx := *fc
	ctx.Samples = batch.FlattenSamples(fc.Baskets)

	buckets := make([][]head.Formatted, len(c.heads))
	for i, h := range c.heads {
		res, err := h.FormattedPreds(nil, perHeadPreds[i], &ctx)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", h.Bound().TaskName, err)
		}
		buckets[i] = append(buckets[i], res)
	}

	if c.merger == nil {
		return &Formatted{Mode: ModeMulti, PerHead: buckets}, nil
	}
	merged, err := c.merger.MergeFormattedPreds(buckets)
	if err != nil {
		return nil, fmt.Errorf("merge predictions: %w", err)
	}
	if merged == nil {
		return nil, errors.New("merge returned no result")
	}
	return &Formatted{Mode: ModeMulti, Merged: merged}, nil
}
