// Package differ produces review diffs that fit a byte budget. When the
// full diff is too large it is regenerated with progressively less context
// and finally replaced by a diffstat summary, recording each step so the
// caller can tell reviewers exactly how the diff was altered.
package differ

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	FullContextLines = 100000
	GoodContextLines = 1000
	SomeContextLines = 100
)

// DiffStatPath is the file name used for the synthesized summary diff.
const DiffStatPath = "diffstat"

const diffStatMessage = "this diff is very large, it has been reduced to a summary:"

// ErrNoDiff is returned when the range contains no changes.
var ErrNoDiff = errors.New("no changes to diff")

// LargeDiffError is returned when even the summary diff exceeds the budget.
type LargeDiffError struct {
	Size int
	Max  int
}

func (e *LargeDiffError) Error() string {
	return fmt.Sprintf("diff too big: %d bytes exceeds limit of %d bytes", e.Size, e.Max)
}

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/mattjoyce/arcyd/internal/differ Source

// Source produces diffs for the changes on head that are not on base.
// contextLines of 0 means no context.
type Source interface {
	RawDiffRange(ctx context.Context, base, head string, contextLines int) (string, error)
	StatRange(ctx context.Context, base, head string) (string, error)
}

// Result is the outcome of Reduce. It is never modified after creation.
type Result struct {
	Diff              string      `json:"-"`
	Reductions        []Technique `json:"reductions"`
	DidReplaceInvalid bool        `json:"did_replace_invalid"`
	Size              int         `json:"size_utf8_bytes"`
	FullSize          int         `json:"full_size_utf8_bytes"`
	MaxSize           int         `json:"max_size_utf8_bytes"`
}

// Reduced reports whether any reduction technique was applied.
func (r *Result) Reduced() bool { return len(r.Reductions) > 0 }

// Reduce returns the diff of base...head, shrunk until it is at most
// maxBytes UTF-8 bytes. Each step runs only while the previous result is
// still over budget.
func Reduce(ctx context.Context, src Source, base, head string, maxBytes int) (*Result, error) {
	raw, err := src.RawDiffRange(ctx, base, head, FullContextLines)
	if err != nil {
		return nil, fmt.Errorf("full diff: %w", err)
	}
	if raw == "" {
		return nil, ErrNoDiff
	}

	diff, replaced := sanitize(raw)
	fullSize := len(diff)
	size := fullSize

	var reductions []Technique

	for _, contextLines := range []int{GoodContextLines, SomeContextLines} {
		if size <= maxBytes {
			break
		}
		raw, err = src.RawDiffRange(ctx, base, head, contextLines)
		if err != nil {
			return nil, fmt.Errorf("diff with %d context lines: %w", contextLines, err)
		}
		diff, replaced = sanitize(raw)
		size = len(diff)
		reductions = append(reductions, lessContext(contextLines, size))
	}

	if size > maxBytes {
		raw, err = src.RawDiffRange(ctx, base, head, 0)
		if err != nil {
			return nil, fmt.Errorf("diff without context: %w", err)
		}
		diff, replaced = sanitize(raw)
		size = len(diff)
		reductions = append(reductions, removeContext(size))
	}

	if size > maxBytes {
		stat, err := src.StatRange(ctx, base, head)
		if err != nil {
			return nil, fmt.Errorf("diff stat: %w", err)
		}
		raw, err = CreateAddFile(DiffStatPath, diffStatMessage+"\n\n"+stat)
		if err != nil {
			return nil, err
		}
		diff, replaced = sanitize(raw)
		size = len(diff)
		reductions = append(reductions, diffStat(size))
	}

	if size > maxBytes {
		return nil, &LargeDiffError{Size: size, Max: maxBytes}
	}

	return &Result{
		Diff:              diff,
		Reductions:        reductions,
		DidReplaceInvalid: replaced,
		Size:              size,
		FullSize:          fullSize,
		MaxSize:           maxBytes,
	}, nil
}

// sanitize replaces every byte that is not part of valid UTF-8 with
// U+FFFD and reports whether anything was replaced.
func sanitize(raw string) (string, bool) {
	if utf8.ValidString(raw) {
		return raw, false
	}
	var b strings.Builder
	b.Grow(len(raw) + 16)
	for i := 0; i < len(raw); {
		r, width := utf8.DecodeRuneInString(raw[i:])
		if r == utf8.RuneError && width == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(raw[i : i+width])
		}
		i += width
	}
	return b.String(), true
}
