package differ

import "fmt"

// Kind identifies a reduction technique.
type Kind int

const (
	// LessContext regenerated the diff with fewer context lines.
	LessContext Kind = iota + 1
	// RemoveContext regenerated the diff with no context at all.
	RemoveContext
	// DiffStat replaced the diff with a stat summary.
	DiffStat
)

func (k Kind) String() string {
	switch k {
	case LessContext:
		return "less_context"
	case RemoveContext:
		return "remove_context"
	case DiffStat:
		return "diff_stat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText lets techniques serialise with readable kinds.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "less_context":
		*k = LessContext
	case "remove_context":
		*k = RemoveContext
	case "diff_stat":
		*k = DiffStat
	default:
		return fmt.Errorf("unknown reduction kind %q", b)
	}
	return nil
}

// Technique records one attempt to shrink a diff and the size it produced.
// ContextLines is only meaningful for LessContext.
type Technique struct {
	Kind         Kind `json:"kind"`
	ContextLines int  `json:"context_lines,omitempty"`
	Size         int  `json:"size_utf8_bytes"`
}

func lessContext(contextLines, size int) Technique {
	return Technique{Kind: LessContext, ContextLines: contextLines, Size: size}
}

func removeContext(size int) Technique { return Technique{Kind: RemoveContext, Size: size} }

func diffStat(size int) Technique { return Technique{Kind: DiffStat, Size: size} }

func (t Technique) String() string {
	if t.Kind == LessContext {
		return fmt.Sprintf("%s(%d lines) -> %d bytes", t.Kind, t.ContextLines, t.Size)
	}
	return fmt.Sprintf("%s -> %d bytes", t.Kind, t.Size)
}
