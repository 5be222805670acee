package model

import "fmt"

// Mode is the head-count variant of a composition. It is fixed when the
// composition is created.
type Mode int

const (
	// ModeEmbedding has no heads: Forward returns both pooled outputs.
	ModeEmbedding Mode = iota
	ModeSingle
	ModeMulti
)

func modeFor(heads int) Mode {
	switch {
	case heads == 0:
		return ModeEmbedding
	case heads == 1:
		return ModeSingle
	default:
		return ModeMulti
	}
}

func (m Mode) String() string {
	switch m {
	case ModeEmbedding:
		return "embedding"
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// OutputType selects which encoder output a head consumes.
type OutputType string

const (
	PerSequence           OutputType = "per_sequence"
	PerSequenceContinuous OutputType = "per_sequence_continuous"
	// PerToken is recognised but rejected by this composition.
	PerToken OutputType = "per_token"
)

// pooled reports whether t consumes the pooled output.
func (t OutputType) pooled() bool {
	return t == PerSequence || t == PerSequenceContinuous
}

// Kind tags the execution backend of a loaded model.
type Kind int

const (
	KindTrainable Kind = iota
	KindFrozen
)

func (k Kind) String() string {
	if k == KindFrozen {
		return "frozen"
	}
	return "trainable"
}
