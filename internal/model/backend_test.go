package model

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-biadapt/internal/device"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

func TestLoadSelectsBackend(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	sim, err := head.NewTextSimilarityHead("retrieval", head.DotProduct)
	require.NoError(t, err)
	m, err := New(encA, encB, []head.Head{sim})
	require.NoError(t, err)

	t.Run("trainable without marker", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, m.Save(ctx, dir))
		b, err := Load(ctx, dir, device.CPU)
		require.NoError(t, err)
		assert.Equal(t, KindTrainable, b.Kind())
		_, ok := b.(*Model)
		assert.True(t, ok)
	})

	t.Run("frozen marker wins over trainable files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Export(ctx, m, dir, DefaultExportOptions()))
		require.NoError(t, encA.Save(filepath.Join(dir, DefaultLM1Dir)))
		require.NoError(t, encB.Save(filepath.Join(dir, DefaultLM2Dir)))

		b, err := Load(ctx, dir, device.CPU)
		require.NoError(t, err)
		assert.Equal(t, KindFrozen, b.Kind())
		_, ok := b.(*FrozenModel)
		assert.True(t, ok)
	})

	t.Run("marker must be a regular file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, m.Save(ctx, dir))
		require.NoError(t, os.Mkdir(filepath.Join(dir, FrozenArtifactFile), 0o755))
		b, err := Load(ctx, dir, device.CPU)
		require.NoError(t, err)
		assert.Equal(t, KindTrainable, b.Kind())
	})

	t.Run("tasks bind either backend", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Export(ctx, m, dir, DefaultExportOptions()))
		tasks := head.Tasks{"retrieval": {LabelList: []string{"pos"}, LabelTensorName: "label_ids"}}
		b, err := Load(ctx, dir, device.CPU, WithTasks(tasks, true))
		require.NoError(t, err)
		assert.True(t, b.Heads()[0].Bound().Connected())

		labels, err := b.PrepareLabels(pairBatch(t))
		require.NoError(t, err)
		assert.Equal(t, []head.Prediction{0, 1, 2}, labels[0])
	})
}

func TestBackendsAgree(t *testing.T) {
	ctx := context.Background()
	encA, encB := pooledEncoders(t)
	sim, err := head.NewTextSimilarityHead("retrieval", head.DotProduct)
	require.NoError(t, err)
	m, err := New(encA, encB, []head.Head{sim})
	require.NoError(t, err)

	trainDir, frozenDir := t.TempDir(), t.TempDir()
	require.NoError(t, m.Save(ctx, trainDir))
	require.NoError(t, Export(ctx, m, frozenDir, DefaultExportOptions()))

	var rankings [][]head.Prediction
	for _, dir := range []string{trainDir, frozenDir} {
		b, err := Load(ctx, dir, device.CPU)
		require.NoError(t, err)
		out, err := b.Forward(ctx, pairBatch(t))
		require.NoError(t, err)
		preds, err := b.LogitsToPreds(out.Logits, nil)
		require.NoError(t, err)
		rankings = append(rankings, preds[0])
	}
	assert.Equal(t, rankings[0], rankings[1])
}
