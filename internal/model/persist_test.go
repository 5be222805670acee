package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/encoder"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

func pooledEncoders(t *testing.T) (*encoder.Pooled, *encoder.Pooled) {
	t.Helper()
	cfgA := encoder.DefaultConfig()
	cfgA.Name = "query"
	cfgA.VocabSize = 10
	cfgA.HiddenSize = 4
	cfgA.InputField = "query_ids"
	cfgA.Seed = 1
	encA, err := encoder.NewPooled(cfgA)
	require.NoError(t, err)

	cfgB := cfgA
	cfgB.Name = "passage"
	cfgB.Language = "german"
	cfgB.InputField = "passage_ids"
	cfgB.Seed = 2
	encB, err := encoder.NewPooled(cfgB)
	require.NoError(t, err)
	return encA, encB
}

func pairBatch(t *testing.T) *batch.Batch {
	t.Helper()
	b := batch.New(3)
	require.NoError(t, b.Set("query_ids", [][]int{{1, 2, 3}, {4, 5, 0}, {6, 0, 0}}))
	require.NoError(t, b.Set("passage_ids", [][]int{{7, 8}, {9, 1}, {2, 3}}))
	require.NoError(t, b.Set("label_ids", [][]int{{0}, {1}, {2}}))
	return b
}

func mixedHeads(t *testing.T) []head.Head {
	t.Helper()
	sim, err := head.NewTextSimilarityHead("retrieval", head.DotProduct)
	require.NoError(t, err)
	cls, err := head.NewPairClassificationHead("relevance", []int{8, 3}, 5)
	require.NoError(t, err)
	cosine, err := head.NewTextSimilarityHead("rerank", head.Cosine)
	require.NoError(t, err)
	return []head.Head{sim, cls, cosine}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	m, err := New(encA, encB, mixedHeads(t),
		WithOutputTypes([]OutputType{PerSequence}, []OutputType{PerSequenceContinuous}))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(ctx, dir))
	for _, name := range []string{"lm1", "lm2"} {
		assert.FileExists(t, filepath.Join(dir, name, encoder.ConfigFile))
	}
	assert.FileExists(t, filepath.Join(dir, "prediction_head_0_config.json"))
	assert.FileExists(t, filepath.Join(dir, "prediction_head_1.bin"))
	assert.NoFileExists(t, filepath.Join(dir, "prediction_head_0.bin"), "similarity heads have no weights")

	loaded, err := LoadTrainable(ctx, dir)
	require.NoError(t, err)
	require.Len(t, loaded.Heads(), 3)
	for i, h := range m.Heads() {
		assert.Equal(t, h.Bound().TaskName, loaded.Heads()[i].Bound().TaskName)
	}
	a, b := loaded.Language()
	assert.Equal(t, "english", a)
	assert.Equal(t, "german", b)
	_, modesB := loaded.OutputTypes()
	assert.Equal(t, PerSequenceContinuous, modesB[2])

	bt := pairBatch(t)
	want, err := m.Forward(ctx, bt)
	require.NoError(t, err)
	got, err := loaded.Forward(ctx, bt)
	require.NoError(t, err)
	for i := range want.Logits {
		assert.Equal(t, want.Logits[i], got.Logits[i])
	}
}

func TestSaveLoadHeadOrder(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	heads := make([]head.Head, 12)
	for i := range heads {
		h, err := head.NewTextSimilarityHead(string(rune('a'+i)), head.DotProduct)
		require.NoError(t, err)
		heads[i] = h
	}
	m, err := New(encA, encB, heads)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, m.Save(ctx, dir))
	assert.FileExists(t, filepath.Join(dir, "prediction_head_02_config.json"))

	loaded, err := LoadTrainable(ctx, dir)
	require.NoError(t, err)
	require.Len(t, loaded.Heads(), 12)
	for i, h := range loaded.Heads() {
		assert.Equal(t, string(rune('a'+i)), h.Bound().TaskName)
	}
}

func TestSaveRemovesStaleHeads(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	dir := t.TempDir()

	m, err := New(encA, encB, mixedHeads(t))
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, dir))

	embed, err := NewForEmbedding(encA, encB)
	require.NoError(t, err)
	require.NoError(t, embed.Save(ctx, dir))

	loaded, err := LoadTrainable(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, ModeEmbedding, loaded.Mode())
	assert.NoFileExists(t, filepath.Join(dir, "prediction_head_1.bin"))
}

func TestLoadIgnoresInterruptedSave(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	dir := t.TempDir()

	m, err := New(encA, encB, mixedHeads(t)[:1])
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, dir))

	// A crashed save leaves a hidden temp file next to the real config.
	data, err := os.ReadFile(filepath.Join(dir, "prediction_head_0_config.json"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".prediction_head_0_config.json.tmp-123"), data, 0o644))

	loaded, err := LoadTrainable(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, loaded.Heads(), 1)
	assert.Equal(t, ModeSingle, loaded.Mode())

	require.NoError(t, loaded.Save(ctx, dir))
	assert.FileExists(t, filepath.Join(dir, "prediction_head_0_config.json"))
}

func TestLoadTrainableOptions(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	m, err := New(encA, encB, mixedHeads(t)[:1], WithEncoderDirs("query", "passage"))
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, m.Save(ctx, dir))
	assert.DirExists(t, filepath.Join(dir, "query"))

	_, err = LoadTrainable(ctx, dir)
	assert.Error(t, err, "default encoder dirs do not exist")

	tasks := head.Tasks{"retrieval": {LabelList: []string{"pos"}, LabelTensorName: "label_ids", Metric: "mean_rank"}}
	loaded, err := LoadTrainable(ctx, dir, WithEncoderDirs("query", "passage"), WithTasks(tasks, true))
	require.NoError(t, err)
	assert.True(t, loaded.Heads()[0].Bound().Connected())
	assert.Equal(t, "mean_rank", loaded.Heads()[0].Bound().Metric)

	bt := pairBatch(t)
	out, err := loaded.Forward(ctx, bt)
	require.NoError(t, err)
	loss, err := loaded.LogitsToLoss(out.Logits, nil, bt)
	require.NoError(t, err)
	assert.Equal(t, 3, loss.Len())
}

func TestSaveRefusesFrozenDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FrozenArtifactFile), []byte("x"), 0o644))

	encA, encB := pooledEncoders(t)
	m, err := NewForEmbedding(encA, encB)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Save(context.Background(), dir), ErrInvalidConfig)
}
