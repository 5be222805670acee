// Package head defines the prediction head capability consumed by the
// bi-adaptive composition, the task binding protocol, head persistence and the
// concrete heads shipped with the module.
package head

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

var (
	// ErrLogitsType is returned when a head receives logits it did not produce.
	ErrLogitsType = errors.New("unexpected logits type")
	// ErrNotConnected is returned by LogitsToLoss on a head without a label field.
	ErrNotConnected = errors.New("head is not connected to a task")
	// ErrNotExportable is returned when a head cannot be expressed as a graph.
	ErrNotExportable = errors.New("head cannot be exported")
)

// Logits is the raw output of one head's forward pass. Its concrete type is
// owned by the head that produced it; the composition only passes it through.
type Logits any

// Prediction is one per-sample prediction produced by LogitsToPreds or
// PrepareLabels. Its concrete type is owned by the head.
type Prediction any

// Head maps the pooled outputs of both encoders to task logits, losses and
// predictions.
type Head interface {
	// Forward computes logits from the pooled outputs of encoder A and B.
	Forward(a, b *mat.Dense) (Logits, error)
	// LogitsToLoss returns one loss value per sample. The head must be connected.
	LogitsToLoss(logits Logits, b *batch.Batch) (*mat.VecDense, error)
	LogitsToPreds(logits Logits, b *batch.Batch) ([]Prediction, error)
	// FormattedPreds renders predictions for consumers. logits may be nil when
	// preds were computed ahead of time.
	FormattedPreds(logits Logits, preds []Prediction, fc *FormatContext) (Formatted, error)
	PrepareLabels(b *batch.Batch) ([]Prediction, error)

	// Bound exposes the task binding the head carries.
	Bound() *Binding
	Config() Config
	MarshalWeights() ([]byte, error)
}

// Merger is implemented by heads that can merge the formatted output of every
// head of a multi-head composition into a single answer.
type Merger interface {
	MergeFormattedPreds(perHead [][]Formatted) (Formatted, error)
}

// Exportable is implemented by heads that can be compiled into a frozen graph.
type Exportable interface {
	// Layers is the number of weight layers the head applies.
	Layers() int
	// ExportGraph appends the head computation reading the pooled outputs a
	// and b and returns the name of the logits value.
	ExportGraph(g *onnx.GraphBuilder, a, b string) (string, error)
}

// FormatContext carries what FormattedPreds needs beyond logits.
type FormatContext struct {
	// Preds holds precomputed predictions indexed as [batch][head][sample].
	Preds [][][]Prediction
	// Baskets are the raw documents the samples were derived from.
	Baskets []batch.Basket
	// Samples is filled with the flattened basket samples for multi-head formatting.
	Samples []batch.Sample
	// Batch is the batch the logits were computed from, if available.
	Batch *batch.Batch
}

// Formatted is the rendered output of a head or an encoder. It is either a
// FormattedList or a FormattedDoc.
type Formatted interface {
	isFormatted()
}

// FormattedList is a sequence of per-sample records.
type FormattedList []map[string]any

// FormattedDoc is a single document, by convention carrying a "predictions" key.
type FormattedDoc map[string]any

func (FormattedList) isFormatted() {}
func (FormattedDoc) isFormatted()  {}
