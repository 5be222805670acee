package model

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

// Backend is the surface shared by the trainable and the frozen model, so
// callers never branch on which one they hold.
type Backend interface {
	Forward(ctx context.Context, b *batch.Batch) (*Output, error)
	LogitsToPreds(logits []head.Logits, b *batch.Batch) ([][]head.Prediction, error)
	FormattedPreds(out *Output, fc *head.FormatContext) (*Formatted, error)
	PrepareLabels(b *batch.Batch) ([][]head.Prediction, error)
	ConnectHeadsWithProcessor(tasks head.Tasks, requireLabels bool) error
	Language() (string, string)
	Heads() []head.Head
	Mode() Mode
	Kind() Kind
}

var (
	_ Backend = (*Model)(nil)
	_ Backend = (*FrozenModel)(nil)
)

// Load opens dir as a frozen model when it holds a regular model.onnx file
// and as a trainable model otherwise. Options that only apply to the
// trainable model are ignored for frozen directories, except WithTasks.
func Load(ctx context.Context, dir string, dev device.Device, opts ...Option) (Backend, error) {
	if isFrozenDir(dir) {
		log.Debug().Str("dir", dir).Msg("Found frozen artifact")
		o := defaultOptions()
		for _, opt := range opts {
			opt(&o)
		}
		fm, err := LoadFrozen(ctx, dir, dev)
		if err != nil {
			return nil, err
		}
		if o.tasks != nil {
			if err := fm.ConnectHeadsWithProcessor(o.tasks, o.requireLabels); err != nil {
				return nil, err
			}
		}
		return fm, nil
	}
	return LoadTrainable(ctx, dir, append([]Option{WithDevice(dev)}, opts...)...)
}
