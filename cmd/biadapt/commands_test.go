package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-biadapt/internal/eval"
	"github.com/23skdu/longbow-biadapt/internal/head"
	"github.com/23skdu/longbow-biadapt/internal/model"
	"github.com/23skdu/longbow-biadapt/internal/tokenizer"
)

func TestReadPairs(t *testing.T) {
	in := "# comment\nwhat is paris\tparis is a city\tyes\n\nhow tall\tthe tower\r\n"
	pairs, err := readPairs(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []pair{
		{ID: "0", Query: "what is paris", Passage: "paris is a city", Label: "yes"},
		{ID: "1", Query: "how tall", Passage: "the tower"},
	}, pairs)

	_, err = readPairs(strings.NewReader("no tab here\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestChunkPairs(t *testing.T) {
	pairs := make([]pair, 5)
	chunks := chunkPairs(pairs, 2)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 1)
	assert.Len(t, chunkPairs(pairs, 0), 1)
	assert.Empty(t, chunkPairs(nil, 2))
}

func TestParseHeads(t *testing.T) {
	heads, tasks, err := parseHeads("dot_product:retrieval, classification:relevance", []string{"no", "yes"}, 4, 1)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, "retrieval", heads[0].Bound().TaskName)
	assert.Equal(t, "relevance_label_ids", tasks["relevance"].LabelTensorName)
	assert.Equal(t, []string{"no", "yes"}, tasks["relevance"].LabelList)
	assert.Empty(t, tasks["retrieval"].LabelList)

	for _, spec := range []string{"retrieval", "bogus:task", "cosine:a,cosine:a"} {
		_, _, err := parseHeads(spec, []string{"no", "yes"}, 4, 1)
		assert.Error(t, err, spec)
	}
	_, _, err = parseHeads("classification:relevance", []string{"yes"}, 4, 1)
	assert.ErrorContains(t, err, "two labels")
}

func TestPairEncoderLabels(t *testing.T) {
	cls, err := head.NewPairClassificationHead("relevance", []int{16, 2}, 3)
	require.NoError(t, err)
	cls.Connect(head.Task{LabelTensorName: "relevance_ids", LabelList: []string{"no", "yes"}})
	sim := retrievalHead(t)
	sim.Bound().Connect(head.Task{LabelTensorName: "retrieval_ids"})

	p := testPredictor(t, sim, cls)
	b, err := p.enc.encode(demoPairs(), []head.Head{sim, cls}, true)
	require.NoError(t, err)

	rel, err := b.Column("relevance_ids")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 0}, rel)
	pos, err := b.Column("retrieval_ids")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, pos)

	q, ok := b.Field("query_ids")
	require.True(t, ok)
	assert.Equal(t, 2, q[0][0], "[CLS] first")

	_, err = p.enc.encode([]pair{{ID: "x", Query: "a", Passage: "b", Label: "maybe"}}, []head.Head{cls}, true)
	assert.ErrorContains(t, err, `label "maybe"`)
}

func TestGoldCompare(t *testing.T) {
	report := eval.Report{Results: []eval.Result{{Task: "retrieval", Metric: "mean_rank", Value: 1.5}}}
	assert.NoError(t, goldValues{"retrieval": {"mean_rank": 1.5005}}.compare(report, 1e-3))
	assert.NoError(t, goldValues(nil).compare(report, 1e-3))

	err := goldValues{
		"retrieval": {"mean_rank": 2, "acc": 1},
	}.compare(report, 1e-3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrieval/mean_rank: got 1.500000, want 2.000000")
	assert.Contains(t, err.Error(), "retrieval/acc: not evaluated")
}

func readPredictions(t *testing.T, data []byte) []string {
	t.Helper()
	r, err := ipc.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Release()
	var preds []string
	for r.Next() {
		rec := r.Record()
		col := rec.Column(rec.Schema().FieldIndices("prediction")[0]).(*array.String)
		for i := 0; i < col.Len(); i++ {
			preds = append(preds, col.Value(i))
		}
	}
	require.NoError(t, r.Err())
	return preds
}

func TestCommandsEndToEnd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	vocab := filepath.Join(dir, "vocab.txt")
	require.NoError(t, tokenizer.WriteVocab(vocab, testVocab))

	cfg := config{
		ModelDir:   filepath.Join(dir, "model"),
		OutDir:     filepath.Join(dir, "frozen"),
		VocabPath:  vocab,
		Device:     "cpu",
		Heads:      "dot_product:retrieval",
		Labels:     "no,yes",
		LangA:      "english",
		LangB:      "german",
		Hidden:     8,
		Seed:       7,
		Dropout:    0.1,
		MaxLen:     16,
		BatchSize:  2,
		TokenCache: 16,
		Workers:    2,
		Tolerance:  1e-3,
		Dataset:    "test",
	}
	require.NoError(t, runInit(ctx, cfg))
	assert.FileExists(t, filepath.Join(cfg.ModelDir, model.DefaultLM1Dir, "vocab.txt"))

	// Later commands find the vocab stored with the model.
	cfg.VocabPath = ""

	var trainable bytes.Buffer
	require.NoError(t, runPredict(ctx, cfg, &trainable, nil))
	trainablePreds := readPredictions(t, trainable.Bytes())
	assert.Len(t, trainablePreds, 3)

	require.NoError(t, runExport(ctx, cfg))
	assert.FileExists(t, filepath.Join(cfg.OutDir, model.FrozenArtifactFile))
	assert.FileExists(t, filepath.Join(cfg.OutDir, "vocab.txt"))

	frozenCfg := cfg
	frozenCfg.ModelDir = cfg.OutDir
	var frozen bytes.Buffer
	require.NoError(t, runPredict(ctx, frozenCfg, &frozen, nil))
	assert.Equal(t, trainablePreds, readPredictions(t, frozen.Bytes()))

	t.Run("eval against gold values", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runEval(ctx, cfg, &out))
		var report eval.Report
		require.NoError(t, json.Unmarshal(out.Bytes(), &report))
		res, ok := report.Find("retrieval", "top_n_accuracy")
		require.True(t, ok)
		assert.Equal(t, 1.0, res.Value)

		gold := filepath.Join(dir, "gold.json")
		require.NoError(t, os.WriteFile(gold, []byte(`{"retrieval": {"top_n_accuracy": 1.0}}`), 0o644))
		withGold := frozenCfg
		withGold.Gold = gold
		require.NoError(t, runEval(ctx, withGold, &bytes.Buffer{}))

		require.NoError(t, os.WriteFile(gold, []byte(`{"retrieval": {"top_n_accuracy": 0.5}}`), 0o644))
		err := runEval(ctx, withGold, &bytes.Buffer{})
		assert.ErrorContains(t, err, "retrieval/top_n_accuracy")
	})

	t.Run("embed writes both encoders", func(t *testing.T) {
		embCfg := cfg
		embCfg.OutDir = filepath.Join(dir, "emb")
		require.NoError(t, runEmbed(ctx, embCfg, nil))
		for _, name := range []string{"embeddings_a.arrow", "embeddings_b.arrow"} {
			f, err := os.Open(filepath.Join(embCfg.OutDir, name))
			require.NoError(t, err)
			r, err := ipc.NewReader(f)
			require.NoError(t, err)
			var rows int64
			for r.Next() {
				rows += r.Record().NumRows()
			}
			r.Release()
			_ = f.Close()
			assert.Equal(t, int64(3), rows, name)
		}
	})

	t.Run("embed rejects frozen models", func(t *testing.T) {
		err := runEmbed(ctx, frozenCfg, nil)
		assert.ErrorContains(t, err, "trainable model directory")
	})
}
