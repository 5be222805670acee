package head

// Binding is the task metadata a head needs before it can compute a loss.
type Binding struct {
	TaskName        string
	LabelTensorName string
	LabelList       []string
	Metric          string
}

// Bound returns the binding itself so heads embedding Binding satisfy Head.
func (b *Binding) Bound() *Binding {
	return b
}

// Connected reports whether the head knows which batch field holds its labels.
func (b *Binding) Connected() bool {
	return b.LabelTensorName != ""
}

// Connect copies task metadata onto the binding.
func (b *Binding) Connect(t Task) {
	b.LabelTensorName = t.LabelTensorName
	b.LabelList = append([]string(nil), t.LabelList...)
	b.Metric = t.Metric
}

// Task describes one task of a data processor.
type Task struct {
	LabelList       []string `json:"label_list"`
	Metric          string   `json:"metric"`
	LabelTensorName string   `json:"label_tensor_name"`
}

// Tasks maps task names to their description.
type Tasks map[string]Task
