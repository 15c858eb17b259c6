// Package schedule implements the GPU placement algorithm: given each
// node's sorted list of free device indices, assign nJobs jobs of nGpus
// contiguous devices each, greedily and without preemption.
package schedule

import (
	"math/rand"
	"sort"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
)

// Assignment is one job's placement.
type Assignment struct {
	Node   string
	GpuIds []int
}

// AllowedWidths is the closed set of valid nGpus values.
var AllowedWidths = map[int]bool{0: true, 1: true, 2: true, 4: true, 8: true, 16: true}

// run is a maximal contiguous range of free indices on one node.
type run struct {
	node string
	ids  []int
}

// Schedule runs the placement algorithm nJobs times (default 1) against
// available, a map of node -> sorted free GPU indices. available is
// consumed: matching entries are mutated to remove assigned ids. rnd, if
// nil, uses the package-level math/rand source; callers needing
// determinism (tests) should pass their own *rand.Rand.
func Schedule(available map[string][]int, nJobs int, nGpus int, rnd *rand.Rand) ([]Assignment, error) {
	if nJobs <= 0 {
		nJobs = 1
	}
	if !AllowedWidths[nGpus] {
		return nil, errs.Newf(errs.BadGpuCount, "nGpus must be one of 0,1,2,4,8,16, got %d", nGpus)
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}

	assignments := make([]Assignment, 0, nJobs)
	for job := 0; job < nJobs; job++ {
		if nGpus == 0 {
			// no resources consumed: take the first node in shuffled order.
			// The spec only requires nJobs pairs with empty gpuIds, it does
			// not require a specific node, but we still shuffle to keep load
			// levelling consistent with the nGpus>0 path.
			nodes := nodeOrder(available, rnd)
			node := ""
			if len(nodes) > 0 {
				node = nodes[0]
			}
			assignments = append(assignments, Assignment{Node: node, GpuIds: []int{}})
			continue
		}

		nodes := nodeOrder(available, rnd)
		runs := contiguousRuns(available, nodes)

		best := -1
		for i, r := range runs {
			if len(r.ids) < nGpus {
				continue
			}
			if best == -1 || len(runs[i].ids) < len(runs[best].ids) {
				best = i
			}
		}
		if best == -1 {
			return nil, errs.Newf(errs.Unschedulable, "unschedulable: %d job(s) remaining, width=%d", nJobs-job, nGpus)
		}

		chosen := runs[best]
		gpuIds := append([]int(nil), chosen.ids[:nGpus]...)
		assignments = append(assignments, Assignment{Node: chosen.node, GpuIds: gpuIds})
		removeIds(available, chosen.node, gpuIds)
	}
	return assignments, nil
}

// nodeOrder returns node names in a uniformly shuffled order.
func nodeOrder(available map[string][]int, rnd *rand.Rand) []string {
	nodes := make([]string, 0, len(available))
	for n := range available {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes) // deterministic base order before shuffling
	rnd.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	return nodes
}

// contiguousRuns splits each node's free list into maximal runs of
// consecutive integers, in the given node visitation order (which doubles
// as the tie-break order for equal-length runs).
func contiguousRuns(available map[string][]int, order []string) []run {
	var runs []run
	for _, node := range order {
		ids := available[node]
		if len(ids) == 0 {
			continue
		}
		sorted := append([]int(nil), ids...)
		sort.Ints(sorted)
		start := 0
		for i := 1; i <= len(sorted); i++ {
			if i == len(sorted) || sorted[i] != sorted[i-1]+1 {
				runs = append(runs, run{node: node, ids: append([]int(nil), sorted[start:i]...)})
				start = i
			}
		}
	}
	return runs
}

func removeIds(available map[string][]int, node string, ids []int) {
	remove := make(map[int]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	kept := available[node][:0]
	for _, id := range available[node] {
		if !remove[id] {
			kept = append(kept, id)
		}
	}
	available[node] = kept
}
