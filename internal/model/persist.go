package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

// Files that mark and describe a frozen model directory.
const (
	FrozenArtifactFile = "model.onnx"
	FrozenConfigFile   = "model_config.json"
)

// Save writes both encoders into their sub-directories and every head with
// its zero-padded index. Each file is replaced atomically; the directory as
// a whole is not. Head files left over from a larger composition are removed.
func (m *Model) Save(ctx context.Context, dir string) error {
	_, span := tracer.Start(ctx, "Model.Save")
	defer span.End()
	span.SetAttributes(attribute.String("dir", dir), attribute.Int("heads", len(m.heads)))

	if isFrozenDir(dir) {
		return fmt.Errorf("%w: %s holds a frozen model", ErrInvalidConfig, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := m.encA.Save(filepath.Join(dir, m.lm1Dir)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save encoder A: %w", err)
	}
	if err := m.encB.Save(filepath.Join(dir, m.lm2Dir)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save encoder B: %w", err)
	}

	if err := removeHeadFiles(dir); err != nil {
		return err
	}
	for i, h := range m.heads {
		cfg := h.Config()
		cfg.LM1OutputType = string(m.modesA[i])
		cfg.LM2OutputType = string(m.modesB[i])
		if err := head.Save(dir, head.FileStem(i, len(m.heads)), h, cfg); err != nil {
			span.RecordError(err)
			return fmt.Errorf("save head %d: %w", i, err)
		}
	}
	log.Info().Str("dir", dir).Int("heads", len(m.heads)).Msg("Saved bi-adaptive model")
	return nil
}

func removeHeadFiles(dir string) error {
	configs, err := head.ConfigFiles(dir)
	if err != nil {
		return err
	}
	for _, c := range configs {
		for _, p := range []string{c, head.WeightsPath(c)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale head file: %w", err)
			}
		}
	}
	return nil
}

// LoadTrainable reads a directory written by Save. Encoders are required,
// heads are optional. With WithTasks the heads are rebound after loading.
func LoadTrainable(ctx context.Context, dir string, opts ...Option) (*Model, error) {
	_, span := tracer.Start(ctx, "LoadTrainable")
	defer span.End()
	span.SetAttributes(attribute.String("dir", dir))

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	encA, err := encoder.Load(filepath.Join(dir, o.lm1Dir))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load encoder A: %w", err)
	}
	encB, err := encoder.Load(filepath.Join(dir, o.lm2Dir))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load encoder B: %w", err)
	}

	configs, err := head.ConfigFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list heads: %w", err)
	}
	heads := make([]head.Head, 0, len(configs))
	modesA := make([]OutputType, 0, len(configs))
	modesB := make([]OutputType, 0, len(configs))
	for _, c := range configs {
		h, cfg, err := head.Load(c, o.strict, true)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		heads = append(heads, h)
		modesA = append(modesA, outputTypeOr(cfg.LM1OutputType, PerSequence))
		modesB = append(modesB, outputTypeOr(cfg.LM2OutputType, PerSequence))
	}
	if len(heads) > 0 {
		o.modesA, o.modesB = modesA, modesB
	}

	m, err := newModel(encA, encB, heads, o)
	if err != nil {
		return nil, err
	}
	if o.tasks != nil {
		if err := m.ConnectHeadsWithProcessor(o.tasks, o.requireLabels); err != nil {
			return nil, err
		}
	}
	log.Info().Str("dir", dir).Int("heads", len(heads)).Msg("Loaded trainable model")
	return m, nil
}

func outputTypeOr(s string, def OutputType) OutputType {
	if s == "" {
		return def
	}
	return OutputType(s)
}

func isFrozenDir(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, FrozenArtifactFile))
	return err == nil && fi.Mode().IsRegular()
}
