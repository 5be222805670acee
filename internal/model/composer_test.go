package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-biadapt/internal/batch"
	"github.com/23skdu/longbow-biadapt/internal/head"
)

func TestFormattedPredsEmbedding(t *testing.T) {
	a, b := fakeEncoders()
	encA, encB := &formattingEncoder{fakeEncoder: a}, &formattingEncoder{fakeEncoder: b}
	m, err := NewForEmbedding(encA, encB)
	require.NoError(t, err)

	out, err := m.Forward(context.Background(), threeSamples(t))
	require.NoError(t, err)
	res, err := m.FormattedPreds(out, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeEmbedding, res.Mode)
	assert.Equal(t, head.FormattedList{{"encoder": "query", "rows": 3}}, res.A)
	assert.Equal(t, head.FormattedList{{"encoder": "passage", "rows": 3}}, res.B)
	assert.Nil(t, res.Items)
	assert.Nil(t, res.PerHead)
	assert.Equal(t, 1, encA.formatted)
	assert.Equal(t, 1, encB.formatted)

	t.Run("encoders without formatter", func(t *testing.T) {
		plainA, plainB := fakeEncoders()
		m, err := NewForEmbedding(plainA, plainB)
		require.NoError(t, err)
		out, err := m.Forward(context.Background(), threeSamples(t))
		require.NoError(t, err)
		_, err = m.FormattedPreds(out, nil)
		assert.ErrorIs(t, err, ErrUnexpectedFormat)
	})
}

func TestFormattedPredsSingle(t *testing.T) {
	newSingle := func(t *testing.T, format head.Formatted) (*Model, *fakeHead) {
		t.Helper()
		encA, encB := fakeEncoders()
		h := newFakeHead(0)
		h.format = format
		m, err := New(encA, encB, []head.Head{h})
		require.NoError(t, err)
		return m, h
	}

	t.Run("list is returned as is", func(t *testing.T) {
		list := head.FormattedList{{"label": "yes"}, {"label": "no"}}
		m, h := newSingle(t, list)
		out, err := m.Forward(context.Background(), threeSamples(t))
		require.NoError(t, err)

		res, err := m.FormattedPreds(out, nil)
		require.NoError(t, err)
		assert.Equal(t, ModeSingle, res.Mode)
		assert.Equal(t, list, res.Items)
		assert.Equal(t, 0, h.gotLogits)
		assert.Nil(t, h.gotPreds)
	})

	t.Run("document is wrapped", func(t *testing.T) {
		doc := head.FormattedDoc{"task": "t", "predictions": []string{"yes"}}
		m, _ := newSingle(t, doc)
		res, err := m.FormattedPreds(&Output{Logits: []head.Logits{0}}, nil)
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, map[string]any(doc), res.Items[0])
	})

	t.Run("document without predictions", func(t *testing.T) {
		m, _ := newSingle(t, head.FormattedDoc{"task": "t"})
		_, err := m.FormattedPreds(&Output{Logits: []head.Logits{0}}, nil)
		assert.ErrorIs(t, err, ErrUnexpectedFormat)
	})

	t.Run("precomputed predictions are flattened", func(t *testing.T) {
		m, h := newSingle(t, nil)
		fc := &head.FormatContext{Preds: [][][]head.Prediction{
			{{"x", "y"}},
			{{"z"}},
		}}
		_, err := m.FormattedPreds(nil, fc)
		require.NoError(t, err)
		assert.Equal(t, []head.Prediction{"x", "y", "z"}, h.gotPreds)
		assert.Nil(t, h.gotLogits)
	})
}

func multiContext() *head.FormatContext {
	return &head.FormatContext{
		Preds: [][][]head.Prediction{
			{{"a0"}, {"b0"}},
			{{"a1"}, {"b1"}},
		},
		Baskets: []batch.Basket{
			{ID: "doc0", Samples: []batch.Sample{{ID: "s0"}, {ID: "s1"}}},
			{ID: "doc1", Samples: []batch.Sample{{ID: "s2"}}},
		},
	}
}

func TestFormattedPredsMulti(t *testing.T) {
	t.Run("one merger merges", func(t *testing.T) {
		encA, encB := fakeEncoders()
		merger := &mergingHead{fakeHead: newFakeHead(0)}
		plain := newFakeHead(1)
		m, err := New(encA, encB, []head.Head{merger, plain})
		require.NoError(t, err)

		res, err := m.FormattedPreds(nil, multiContext())
		require.NoError(t, err)
		assert.Equal(t, ModeMulti, res.Mode)
		assert.Equal(t, head.FormattedDoc{"merged": 2}, res.Merged)
		assert.Nil(t, res.PerHead)
		assert.Equal(t, 1, merger.merges)

		assert.Equal(t, []head.Prediction{"a0", "a1"}, merger.gotPreds)
		assert.Equal(t, []head.Prediction{"b0", "b1"}, plain.gotPreds)
		assert.Nil(t, plain.gotLogits)
		require.NotNil(t, plain.gotFC)
		assert.Len(t, plain.gotFC.Samples, 3)
		assert.Equal(t, "s2", plain.gotFC.Samples[2].ID)
	})

	t.Run("no merger keeps buckets", func(t *testing.T) {
		encA, encB := fakeEncoders()
		heads, _ := fakeHeads(2)
		m, err := New(encA, encB, heads)
		require.NoError(t, err)

		res, err := m.FormattedPreds(nil, multiContext())
		require.NoError(t, err)
		assert.Nil(t, res.Merged)
		require.Len(t, res.PerHead, 2)
		assert.Equal(t, []head.Formatted{head.FormattedList{{"head": 1}}}, res.PerHead[1])
	})

	t.Run("two mergers keep buckets", func(t *testing.T) {
		encA, encB := fakeEncoders()
		first := &mergingHead{fakeHead: newFakeHead(0)}
		second := &mergingHead{fakeHead: newFakeHead(1)}
		m, err := New(encA, encB, []head.Head{first, second})
		require.NoError(t, err)

		res, err := m.FormattedPreds(nil, multiContext())
		require.NoError(t, err)
		assert.Nil(t, res.Merged)
		assert.Len(t, res.PerHead, 2)
		assert.Zero(t, first.merges)
		assert.Zero(t, second.merges)
	})

	t.Run("predictions required", func(t *testing.T) {
		encA, encB := fakeEncoders()
		heads, _ := fakeHeads(2)
		m, err := New(encA, encB, heads)
		require.NoError(t, err)

		out, err := m.Forward(context.Background(), threeSamples(t))
		require.NoError(t, err)
		_, err = m.FormattedPreds(out, nil)
		assert.ErrorIs(t, err, ErrMissingPredictions)

		_, err = m.FormattedPreds(nil, &head.FormatContext{Preds: [][][]head.Prediction{{{"a0"}}}})
		assert.ErrorIs(t, err, ErrMissingPredictions)
	})
}
