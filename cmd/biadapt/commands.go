package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-biadapt/internal/cache"
	"github.com/23skdu/longbow-biadapt/internal/client"
	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/model"
	"github.com/23skdu/longbow-biadapt/internal/tokenizer"
)

// config holds the parsed command line.
type config struct {
	ModelDir  string
	OutDir    string
	VocabPath string
	Device    string
	Input     string

	Heads   string
	Labels  string
	LangA   string
	LangB   string
	Hidden  int
	Seed    uint64
	Dropout float64

	MaxLen     int
	BatchSize  int
	TokenCache int
	Workers    int
	Metrics    string
	Gold       string
	Tolerance  float64

	Dataset       string
	MaxConcurrent int
}

func (c config) device() (device.Device, error) {
	return device.Parse(c.Device)
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseHeads builds heads from kind:task entries, where kind is dot_product,
// cosine or classification. Classification heads use labels.
func parseHeads(spec string, labels []string, hidden int, seed uint64) ([]head.Head, head.Tasks, error) {
	var heads []head.Head
	tasks := head.Tasks{}
	for i, entry := range splitList(spec) {
		kind, task, ok := strings.Cut(entry, ":")
		if !ok || task == "" {
			return nil, nil, fmt.Errorf("head %q: want kind:task", entry)
		}
		if _, dup := tasks[task]; dup {
			return nil, nil, fmt.Errorf("task %q is used by more than one head", task)
		}
		t := head.Task{LabelTensorName: task + "_label_ids"}
		switch kind {
		case head.DotProduct, head.Cosine:
			h, err := head.NewTextSimilarityHead(task, kind)
			if err != nil {
				return nil, nil, err
			}
			t.Metric = "top_n_accuracy"
			heads = append(heads, h)
		case "classification":
			if len(labels) < 2 {
				return nil, nil, fmt.Errorf("head %q needs at least two labels", entry)
			}
			h, err := head.NewPairClassificationHead(task, []int{2 * hidden, len(labels)}, seed+uint64(i))
			if err != nil {
				return nil, nil, err
			}
			t.Metric = "acc"
			t.LabelList = labels
			heads = append(heads, h)
		default:
			return nil, nil, fmt.Errorf("head %q: unknown kind %q", entry, kind)
		}
		tasks[task] = t
	}
	return heads, tasks, nil
}

// runInit creates a freshly initialised trainable model and saves it.
func runInit(ctx context.Context, cfg config) error {
	if cfg.VocabPath == "" {
		return errors.New("init needs -vocab")
	}
	tok, err := tokenizer.Load(cfg.VocabPath)
	if err != nil {
		return fmt.Errorf("load vocab: %w", err)
	}
	dev, err := cfg.device()
	if err != nil {
		return err
	}

	newEncoder := func(name, lang, field string, seed uint64) (*encoder.Pooled, error) {
		ec := encoder.DefaultConfig()
		ec.Name = name
		ec.Language = lang
		ec.InputField = field
		ec.VocabSize = tok.VocabSize()
		ec.HiddenSize = cfg.Hidden
		ec.Seed = seed
		enc, err := encoder.NewPooled(ec)
		if err != nil {
			return nil, fmt.Errorf("encoder %s: %w", name, err)
		}
		return enc, enc.SetVocab(tok.Vocab())
	}
	encA, err := newEncoder("query", cfg.LangA, "query_ids", cfg.Seed)
	if err != nil {
		return err
	}
	encB, err := newEncoder("passage", cfg.LangB, "passage_ids", cfg.Seed+1)
	if err != nil {
		return err
	}

	heads, tasks, err := parseHeads(cfg.Heads, splitList(cfg.Labels), cfg.Hidden, cfg.Seed)
	if err != nil {
		return err
	}
	m, err := model.New(encA, encB, heads,
		model.WithDevice(dev),
		model.WithDropout(cfg.Dropout),
		model.WithSeed(cfg.Seed),
	)
	if err != nil {
		return err
	}
	if err := m.ConnectHeadsWithProcessor(tasks, false); err != nil {
		return err
	}
	if err := m.Save(ctx, cfg.ModelDir); err != nil {
		return err
	}
	log.Info().Str("dir", cfg.ModelDir).Int("heads", len(heads)).Int("vocab", tok.VocabSize()).Msg("Initialised model")
	return nil
}

// runEmbed writes the pooled outputs of both encoders, as Arrow IPC files in
// OutDir or to Flight datasets <dataset>_a and <dataset>_b.
func runEmbed(ctx context.Context, cfg config, pub Publisher) error {
	dev, err := cfg.device()
	if err != nil {
		return err
	}
	b, err := model.Load(ctx, cfg.ModelDir, dev)
	if err != nil {
		return err
	}
	trained, ok := b.(*model.Model)
	if !ok {
		return fmt.Errorf("embed needs a trainable model directory, %s is %s", cfg.ModelDir, b.Kind())
	}
	encA, encB := trained.Encoders()
	m, err := model.NewForEmbedding(encA, encB, model.WithDevice(dev))
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(cfg.VocabPath, cfg.ModelDir)
	if err != nil {
		return err
	}
	enc, err := newPairEncoder(tok, m, cfg.MaxLen)
	if err != nil {
		return err
	}
	pairs, err := loadPairs(cfg.Input)
	if err != nil {
		return err
	}

	rb := client.NewRecordBuilder(nil)
	langA, langB := m.Language()
	var recsA, recsB []arrow.RecordBatch
	defer func() {
		releaseAll(recsA)
		releaseAll(recsB)
	}()

	start := time.Now()
	for _, chunk := range chunkPairs(pairs, cfg.BatchSize) {
		bt, err := enc.encode(chunk, nil, false)
		if err != nil {
			return err
		}
		out, err := m.Forward(ctx, bt)
		if err != nil {
			return err
		}
		ids := make([]string, len(chunk))
		for i, p := range chunk {
			ids[i] = p.ID
		}
		recA, err := rb.Embeddings(ids, encA.Name(), langA, out.Pooled.A)
		if err != nil {
			return err
		}
		recsA = append(recsA, recA)
		recB, err := rb.Embeddings(ids, encB.Name(), langB, out.Pooled.B)
		if err != nil {
			return err
		}
		recsB = append(recsB, recB)
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(pairs)).
		Dur("elapsed", elapsed).
		Int("dim_a", encA.OutputDims()).
		Int("dim_b", encB.OutputDims()).
		Float64("pairs_per_sec", float64(len(pairs))/elapsed.Seconds()).
		Msg("Embedded pairs")

	if pub != nil {
		if err := pub.Publish(ctx, cfg.Dataset+"_a", recsA...); err != nil {
			return err
		}
		return pub.Publish(ctx, cfg.Dataset+"_b", recsB...)
	}
	if err := writeIPCFile(filepath.Join(cfg.OutDir, "embeddings_a.arrow"), recsA); err != nil {
		return err
	}
	return writeIPCFile(filepath.Join(cfg.OutDir, "embeddings_b.arrow"), recsB)
}

func writeIPCFile(path string, recs []arrow.RecordBatch) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := client.WriteIPC(f, recs...); err != nil {
		_ = f.Close()
		return err
	}
	log.Info().Str("path", path).Int("records", len(recs)).Msg("Wrote Arrow IPC file")
	return f.Close()
}

// runPredict writes formatted predictions as an Arrow IPC stream to w, or
// publishes them to the Flight dataset.
func runPredict(ctx context.Context, cfg config, w io.Writer, pub Publisher) error {
	p, err := openPredictor(ctx, cfg)
	if err != nil {
		return err
	}
	pairs, err := loadPairs(cfg.Input)
	if err != nil {
		return err
	}

	var recs []arrow.RecordBatch
	defer func() { releaseAll(recs) }()
	for _, chunk := range chunkPairs(pairs, cfg.BatchSize) {
		outs, err := p.predict(ctx, chunk)
		if err != nil {
			return err
		}
		rs, err := p.records(outs)
		if err != nil {
			return err
		}
		recs = append(recs, rs...)
	}
	log.Info().Int("pairs", len(pairs)).Int("records", len(recs)).Str("backend", p.backend.Kind().String()).Msg("Predicted")

	if pub != nil {
		return pub.Publish(ctx, cfg.Dataset, recs...)
	}
	return client.WriteIPC(w, recs...)
}

// openPredictor loads the model in ModelDir with its tokenizer.
func openPredictor(ctx context.Context, cfg config) (*predictor, error) {
	dev, err := cfg.device()
	if err != nil {
		return nil, err
	}
	b, err := model.Load(ctx, cfg.ModelDir, dev)
	if err != nil {
		return nil, err
	}
	tok, err := loadTokenizer(cfg.VocabPath, cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	if cfg.TokenCache > 0 {
		tok.SetCache(cache.New(cfg.TokenCache))
	}
	enc, err := newPairEncoder(tok, b, cfg.MaxLen)
	if err != nil {
		return nil, err
	}
	return newPredictor(b, enc)
}

// runExport freezes the trainable model in ModelDir into OutDir. The input
// pairs serve as the parity probe and the vocab is copied alongside.
func runExport(ctx context.Context, cfg config) error {
	dev, err := cfg.device()
	if err != nil {
		return err
	}
	m, err := model.LoadTrainable(ctx, cfg.ModelDir, model.WithDevice(dev))
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(cfg.VocabPath, cfg.ModelDir)
	if err != nil {
		return err
	}
	enc, err := newPairEncoder(tok, m, cfg.MaxLen)
	if err != nil {
		return err
	}
	pairs, err := loadPairs(cfg.Input)
	if err != nil {
		return err
	}
	probe, err := enc.encode(pairs, nil, false)
	if err != nil {
		return err
	}

	opts := model.DefaultExportOptions()
	opts.Probe = probe
	if err := model.Export(ctx, m, cfg.OutDir, opts); err != nil {
		return err
	}
	if err := tokenizer.WriteVocab(filepath.Join(cfg.OutDir, encoder.VocabFile), tok.Vocab()); err != nil {
		return fmt.Errorf("write vocab: %w", err)
	}
	log.Info().Str("from", cfg.ModelDir).Str("to", cfg.OutDir).Msg("Exported frozen model")
	return nil
}
