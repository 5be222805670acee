package batch

// Sample is one unit of model input as produced by a data processor, for
// example a query/passage pair or one window of a long document.
type Sample struct {
	ID     string
	Text   string
	Fields map[string]any
}

// Basket groups the samples derived from one raw input document.
type Basket struct {
	ID      string
	Samples []Sample
}

// FlattenSamples returns every sample held by baskets, in basket order.
func FlattenSamples(baskets []Basket) []Sample {
	n := 0
	for _, b := range baskets {
		n += len(b.Samples)
	}
	out := make([]Sample, 0, n)
	for _, b := range baskets {
		out = append(out, b.Samples...)
	}
	return out
}
