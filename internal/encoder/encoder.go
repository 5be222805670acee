// Package encoder defines the encoder capability consumed by the bi-adaptive
// composition and ships a small pooled embedding encoder.
package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/onnx"
)

// File names inside an encoder directory.
const (
	ConfigFile  = "language_model_config.json"
	WeightsFile = "language_model.bin"
	VocabFile   = "vocab.txt"
)

// ErrUnknownType is returned by Load for an unrecognised encoder type.
var ErrUnknownType = errors.New("unknown encoder type")

// Encoder maps a batch to one pooled vector per sample plus per-token vectors.
type Encoder interface {
	// Forward returns pooled [batch, OutputDims] and one [seq, OutputDims]
	// matrix per sample.
	Forward(ctx context.Context, b *batch.Batch) (pooled *mat.Dense, tokens []*mat.Dense, err error)
	OutputDims() int
	Save(dir string) error
	Language() string
	Name() string
	// To binds the encoder to a device.
	To(d device.Device) error
}

// Formatter is implemented by encoders that can render their own output for
// embedding extraction.
type Formatter interface {
	FormattedPreds(pooled *mat.Dense, fc *head.FormatContext) (head.Formatted, error)
}

// Exportable is implemented by encoders that can be compiled into a frozen graph.
type Exportable interface {
	// InputField is the batch field holding the encoder's token ids.
	InputField() string
	// ExportGraph appends the encoder reading ids from input and returns the
	// name of the pooled output.
	ExportGraph(g *onnx.GraphBuilder, input string) (string, error)
}

// Load reads an encoder directory written by Save.
func Load(dir string) (Encoder, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read encoder config: %w", err)
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse encoder config: %w", err)
	}
	switch probe.Type {
	case PooledType, "":
		return LoadPooled(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}
