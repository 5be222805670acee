package head

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFileStem(t *testing.T) {
	assert.Equal(t, "prediction_head_0", FileStem(0, 1))
	assert.Equal(t, "prediction_head_3", FileStem(3, 5))
	assert.Equal(t, "prediction_head_02", FileStem(2, 12))
	assert.Equal(t, "prediction_head_11", FileStem(11, 12))
}

func TestConfigFilesOrder(t *testing.T) {
	dir := t.TempDir()
	const count = 12
	for i := count - 1; i >= 0; i-- {
		h, err := NewTextSimilarityHead("task", DotProduct)
		require.NoError(t, err)
		require.NoError(t, Save(dir, FileStem(i, count), h, h.Config()))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_config.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".prediction_head_00_config.json.tmp-1"), []byte("{}"), 0o644))

	files, err := ConfigFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, count)
	for i, f := range files {
		assert.Equal(t, FileStem(i, count)+"_config.json", filepath.Base(f))
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()

	h, err := NewPairClassificationHead("nli", []int{4, 2}, 1)
	require.NoError(t, err)
	h.Connect(Task{LabelTensorName: "label_ids", LabelList: []string{"yes", "no"}, Metric: "acc"})
	stem := FileStem(0, 1)
	require.NoError(t, Save(dir, stem, h, h.Config()))

	cfgPath := filepath.Join(dir, stem+"_config.json")
	assert.Equal(t, filepath.Join(dir, stem+".bin"), WeightsPath(cfgPath))

	t.Run("WithWeights", func(t *testing.T) {
		loaded, cfg, err := Load(cfgPath, true, true)
		require.NoError(t, err)
		assert.Equal(t, PairClassificationName, cfg.Name)
		assert.Equal(t, "label_ids", loaded.Bound().LabelTensorName)
		assert.Equal(t, []string{"yes", "no"}, loaded.Bound().LabelList)

		a := mat.NewDense(1, 2, []float64{0.3, -0.7})
		want, err := h.Forward(a, a)
		require.NoError(t, err)
		got, err := loaded.Forward(a, a)
		require.NoError(t, err)
		assert.True(t, mat.Equal(want.(*mat.Dense), got.(*mat.Dense)))
	})

	t.Run("MissingWeights", func(t *testing.T) {
		require.NoError(t, os.Remove(WeightsPath(cfgPath)))
		_, _, err := Load(cfgPath, true, true)
		require.Error(t, err)

		loaded, _, err := Load(cfgPath, false, true)
		require.NoError(t, err)
		assert.Equal(t, "nli", loaded.Bound().TaskName)

		_, _, err = Load(cfgPath, true, false)
		require.NoError(t, err)
	})

	t.Run("UnknownType", func(t *testing.T) {
		bad := filepath.Join(dir, "prediction_head_9_config.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"name":"Nope","task_name":"x"}`), 0o644))
		_, _, err := Load(bad, false, false)
		require.Error(t, err)
	})
}

func TestRegistered(t *testing.T) {
	assert.Equal(t, []string{PairClassificationName, TextSimilarityName}, Registered())
	assert.Panics(t, func() { Register(TextSimilarityName, loadTextSimilarity) })
}
