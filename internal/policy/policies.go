package policy

import (
	"sync/atomic"
	"syscall"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
)

func searchAll(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
	cs, err := searchable(e, bs, fusepath, false)
	if err != nil {
		return nil, err
	}
	return branchesOf(cs), nil
}

func searchRanked(r ranker, withInfo bool) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		cs, err := searchable(e, bs, fusepath, withInfo)
		if err != nil {
			return nil, err
		}
		return one(r(cs, fusepath)), nil
	}
}

func actionAll(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
	cs, err := actionable(e, bs, fusepath)
	if err != nil {
		return nil, err
	}
	return branchesOf(cs), nil
}

func actionRanked(r ranker) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		cs, err := actionable(e, bs, fusepath)
		if err != nil {
			return nil, err
		}
		return one(r(cs, fusepath)), nil
	}
}

func createAll(existingPath bool) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		cs, err := creatable(e, bs, fusepath, existingPath)
		if err != nil {
			return nil, err
		}
		return branchesOf(cs), nil
	}
}

func createRanked(r ranker, existingPath bool) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		cs, err := creatable(e, bs, fusepath, existingPath)
		if err != nil {
			return nil, err
		}
		return one(r(cs, common.ParentPath(fusepath))), nil
	}
}

// createMostSharedPath ranks branches holding the parent of fusepath and,
// when none qualifies, retries with each ancestor up to the root.
func createMostSharedPath(r ranker) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		var lat lattice
		for _, dir := range common.Ancestors(common.ParentPath(fusepath)) {
			cs, err := creatableAt(e, bs, fusepath, dir, true)
			if err == nil {
				return one(r(cs, dir)), nil
			}
			lat.add(err)
		}
		return nil, lat.err()
	}
}

func pickOne(f facet) facet {
	return func(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
		out, err := f(e, bs, fusepath)
		if err != nil {
			return nil, err
		}
		c := random(candidatesOf(out), fusepath)
		return one(c), nil
	}
}

func candidatesOf(bs []*branch.Branch) []candidate {
	out := make([]candidate, len(bs))
	for i, b := range bs {
		out[i] = candidate{b: b}
	}
	return out
}

func readOnly(*env, []*branch.Branch, string) ([]*branch.Branch, error) {
	return nil, syscall.EROFS
}

var rrCursor atomic.Uint64

// roundRobin hands out eligible branches in turn using one process-wide
// cursor.
func roundRobin(e *env, bs []*branch.Branch, fusepath string) ([]*branch.Branch, error) {
	cs, err := creatable(e, bs, fusepath, false)
	if err != nil {
		return nil, err
	}
	i := (rrCursor.Add(1) - 1) % uint64(len(cs))
	return one(cs[i]), nil
}

func init() {
	ff := searchRanked(first, false)
	epff := actionRanked(first)

	register("all", searchAll, actionAll, createAll(false))
	register("epall", searchAll, actionAll, createAll(true))
	register("ff", ff, epff, createRanked(first, false))
	register("epff", ff, epff, createRanked(first, true))

	register("epmfs", searchRanked(mostFree, true), actionRanked(mostFree), createRanked(mostFree, true))
	register("eplfs", searchRanked(leastFree, true), actionRanked(leastFree), createRanked(leastFree, true))
	register("eplus", searchRanked(leastUsed, true), actionRanked(leastUsed), createRanked(leastUsed, true))
	register("eppfrd", searchRanked(proportionalFill, true), actionRanked(proportionalFill), createRanked(proportionalFill, true))

	register("mfs", searchRanked(mostFree, true), actionRanked(mostFree), createRanked(mostFree, false))
	register("lfs", searchRanked(leastFree, true), actionRanked(leastFree), createRanked(leastFree, false))
	register("lus", searchRanked(leastUsed, true), actionRanked(leastUsed), createRanked(leastUsed, false))
	register("pfrd", searchRanked(proportionalFill, true), actionRanked(proportionalFill), createRanked(proportionalFill, false))
	register("lup", searchRanked(leastUsedPercent, true), actionRanked(leastUsedPercent), createRanked(leastUsedPercent, false))

	register("mspmfs", searchRanked(mostFree, true), actionRanked(mostFree), createMostSharedPath(mostFree))
	register("msplfs", searchRanked(leastFree, true), actionRanked(leastFree), createMostSharedPath(leastFree))
	register("msplus", searchRanked(leastUsed, true), actionRanked(leastUsed), createMostSharedPath(leastUsed))
	register("msppfrd", searchRanked(proportionalFill, true), actionRanked(proportionalFill), createMostSharedPath(proportionalFill))

	register("newest", searchRanked(newest, false), actionRanked(newest), createRanked(newest, true))

	register("rand", pickOne(searchAll), pickOne(actionAll), pickOne(createAll(false)))
	register("eprand", pickOne(searchAll), pickOne(actionAll), pickOne(createAll(true)))

	register("erofs", readOnly, readOnly, readOnly)
	register("rr", ff, epff, roundRobin)
}
