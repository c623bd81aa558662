package differ

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/differ/mocks"
)

// sizedSource returns diffs of a fixed size per context level.
type sizedSource struct {
	sizes map[int]int
	stat  string
	calls []int
}

func (s *sizedSource) RawDiffRange(_ context.Context, _, _ string, contextLines int) (string, error) {
	s.calls = append(s.calls, contextLines)
	return strings.Repeat("x", s.sizes[contextLines]), nil
}

func (s *sizedSource) StatRange(context.Context, string, string) (string, error) {
	s.calls = append(s.calls, -1)
	return s.stat, nil
}

func TestReduceFitsWithoutReduction(t *testing.T) {
	src := &sizedSource{sizes: map[int]int{FullContextLines: 1000}}

	result, err := Reduce(context.Background(), src, "origin/master", "origin/r/master/x", 5000)
	require.NoError(t, err)
	assert.False(t, result.Reduced())
	assert.Equal(t, 1000, result.Size)
	assert.Equal(t, 1000, result.FullSize)
	assert.Equal(t, 5000, result.MaxSize)
	assert.Equal(t, []int{FullContextLines}, src.calls)
}

func TestReduceStopsAtFirstContextLevelThatFits(t *testing.T) {
	src := &sizedSource{sizes: map[int]int{
		FullContextLines: 2000000,
		GoodContextLines: 400000,
	}}

	result, err := Reduce(context.Background(), src, "base", "head", 500000)
	require.NoError(t, err)
	assert.Equal(t, []Technique{{Kind: LessContext, ContextLines: 1000, Size: 400000}}, result.Reductions)
	assert.Equal(t, 400000, result.Size)
	assert.Equal(t, 2000000, result.FullSize)
	assert.Equal(t, []int{FullContextLines, GoodContextLines}, src.calls)
}

func TestReduceFallsBackThroughEveryTechnique(t *testing.T) {
	src := &sizedSource{
		sizes: map[int]int{
			FullContextLines: 9000,
			GoodContextLines: 8000,
			SomeContextLines: 7000,
			0:                6000,
		},
		stat: " a.txt | 2 +-\n 1 file changed, 1 insertion(+), 1 deletion(-)\n",
	}

	result, err := Reduce(context.Background(), src, "base", "head", 1000)
	require.NoError(t, err)

	require.Len(t, result.Reductions, 4)
	assert.Equal(t, lessContext(GoodContextLines, 8000), result.Reductions[0])
	assert.Equal(t, lessContext(SomeContextLines, 7000), result.Reductions[1])
	assert.Equal(t, removeContext(6000), result.Reductions[2])
	assert.Equal(t, DiffStat, result.Reductions[3].Kind)
	assert.Equal(t, len(result.Diff), result.Reductions[3].Size)
	assert.LessOrEqual(t, result.Size, 1000)

	assert.True(t, strings.HasPrefix(result.Diff, "diff --git a/diffstat b/diffstat\n"))
	assert.Contains(t, result.Diff, "+"+diffStatMessage+"\n")
	assert.Contains(t, result.Diff, "+ a.txt | 2 +-\n")
	assert.Equal(t, []int{FullContextLines, GoodContextLines, SomeContextLines, 0, -1}, src.calls)
}

func TestReduceEmptyRange(t *testing.T) {
	src := &sizedSource{sizes: map[int]int{}}
	_, err := Reduce(context.Background(), src, "base", "head", 1000)
	assert.ErrorIs(t, err, ErrNoDiff)
}

func TestReduceSummaryStillTooLarge(t *testing.T) {
	src := &sizedSource{
		sizes: map[int]int{FullContextLines: 500, GoodContextLines: 500, SomeContextLines: 500, 0: 500},
		stat:  strings.Repeat("file | 1 +\n", 100),
	}

	_, err := Reduce(context.Background(), src, "base", "head", 100)

	var large *LargeDiffError
	require.ErrorAs(t, err, &large)
	assert.Equal(t, 100, large.Max)
	assert.Greater(t, large.Size, 100)
	assert.Contains(t, err.Error(), "exceeds limit of 100 bytes")
}

func TestReduceIsDeterministic(t *testing.T) {
	newSource := func() *sizedSource {
		return &sizedSource{
			sizes: map[int]int{FullContextLines: 900, GoodContextLines: 800, SomeContextLines: 700, 0: 600},
			stat:  " x | 1 +\n",
		}
	}

	first, err := Reduce(context.Background(), newSource(), "b", "h", 400)
	require.NoError(t, err)
	second, err := Reduce(context.Background(), newSource(), "b", "h", 400)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReduceMeasuresAfterReplacingInvalidBytes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	src := mocks.NewMockSource(ctrl)
	src.EXPECT().RawDiffRange(gomock.Any(), "base", "head", FullContextLines).Return("ab\xffc", nil)

	result, err := Reduce(context.Background(), src, "base", "head", 100)
	require.NoError(t, err)
	assert.True(t, result.DidReplaceInvalid)
	assert.Equal(t, "ab\uFFFDc", result.Diff)
	assert.Equal(t, 6, result.Size)
	assert.Equal(t, 6, result.FullSize)
}

func TestReducePropagatesSourceErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	boom := errors.New("git exploded")
	src := mocks.NewMockSource(ctrl)
	gomock.InOrder(
		src.EXPECT().RawDiffRange(gomock.Any(), "base", "head", FullContextLines).Return(strings.Repeat("x", 50), nil),
		src.EXPECT().RawDiffRange(gomock.Any(), "base", "head", GoodContextLines).Return("", boom),
	)

	_, err := Reduce(context.Background(), src, "base", "head", 10)
	assert.ErrorIs(t, err, boom)
}

func TestTechniqueString(t *testing.T) {
	assert.Equal(t, "less_context(100 lines) -> 42 bytes", lessContext(100, 42).String())
	assert.Equal(t, "remove_context -> 7 bytes", removeContext(7).String())
	assert.Equal(t, "diff_stat -> 3 bytes", diffStat(3).String())
}

func TestKindTextRoundTrip(t *testing.T) {
	for _, k := range []Kind{LessContext, RemoveContext, DiffStat} {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var got Kind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, k, got)
	}
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("bogus")))
}
