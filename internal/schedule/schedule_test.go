package schedule

import (
	"math/rand"
	"testing"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/stretchr/testify/require"
)

func det() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestSchedule_SingleNodeQualifies(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2}, "B": {7}}
	got, err := Schedule(avail, 1, 2, det())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].Node)
	require.Equal(t, []int{0, 1}, got[0].GpuIds)
}

func TestSchedule_PicksShorterQualifyingRun(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2}, "B": {5, 6}}
	got, err := Schedule(avail, 1, 2, det())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "B", got[0].Node)
	require.Equal(t, []int{5, 6}, got[0].GpuIds)
}

func TestSchedule_TwoJobsBothNodesUsed(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2}, "B": {5, 6}}
	got, err := Schedule(avail, 2, 2, det())
	require.NoError(t, err)
	require.Len(t, got, 2)
	nodes := map[string][]int{}
	for _, a := range got {
		nodes[a.Node] = a.GpuIds
	}
	require.Equal(t, []int{0, 1}, nodes["A"])
	require.Equal(t, []int{5, 6}, nodes["B"])
}

func TestSchedule_ThreeJobsEachNodeOnce(t *testing.T) {
	avail := map[string][]int{
		"A": {0, 1, 2, 3},
		"B": {5, 6, 7, 8},
		"C": {0, 1, 2, 3},
	}
	got, err := Schedule(avail, 3, 4, det())
	require.NoError(t, err)
	require.Len(t, got, 3)
	seen := map[string][]int{}
	for _, a := range got {
		seen[a.Node] = a.GpuIds
		require.Len(t, a.GpuIds, 4)
	}
	require.Equal(t, []int{0, 1, 2, 3}, seen["A"])
	require.Equal(t, []int{5, 6, 7, 8}, seen["B"])
	require.Equal(t, []int{0, 1, 2, 3}, seen["C"])
}

func TestSchedule_InsufficientResourcesRaisesUnschedulable(t *testing.T) {
	avail := map[string][]int{"A": {0}, "B": {5, 6, 7}}
	_, err := Schedule(avail, 1, 4, det())
	require.Error(t, err)
	ce, ok := err.(*errs.CodeError)
	require.True(t, ok)
	require.Equal(t, errs.Unschedulable, ce.Code)
}

func TestSchedule_ZeroWidthConsumesNothing(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2}, "B": {5, 6}}
	got, err := Schedule(avail, 3, 0, det())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, a := range got {
		require.Empty(t, a.GpuIds)
	}
	require.Equal(t, []int{0, 1, 2}, avail["A"])
	require.Equal(t, []int{5, 6}, avail["B"])
}

func TestSchedule_BadGpuCount(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2}}
	_, err := Schedule(avail, 1, 3, det())
	require.Error(t, err)
	ce, ok := err.(*errs.CodeError)
	require.True(t, ok)
	require.Equal(t, errs.BadGpuCount, ce.Code)
}

func TestSchedule_NoGpuReuseAcrossAssignments(t *testing.T) {
	avail := map[string][]int{"A": {0, 1, 2, 3, 4, 5, 6, 7}}
	got, err := Schedule(avail, 4, 2, det())
	require.NoError(t, err)
	used := map[int]bool{}
	for _, a := range got {
		for _, id := range a.GpuIds {
			require.False(t, used[id], "gpu id reused: %d", id)
			used[id] = true
		}
	}
}
