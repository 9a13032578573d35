package policy

import (
	"math/bits"
	"math/rand/v2"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
)

// ranker picks one candidate. Equal ranks keep the earlier branch.
type ranker func(cs []candidate, fusepath string) candidate

func first(cs []candidate, _ string) candidate { return cs[0] }

func mostFree(cs []candidate, _ string) candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.info.SpaceAvail > best.info.SpaceAvail {
			best = c
		}
	}
	return best
}

func leastFree(cs []candidate, _ string) candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.info.SpaceAvail < best.info.SpaceAvail {
			best = c
		}
	}
	return best
}

func leastUsed(cs []candidate, _ string) candidate {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.info.SpaceUsed < best.info.SpaceUsed {
			best = c
		}
	}
	return best
}

// leastUsedPercent compares used/(used+avail) without floating point.
func leastUsedPercent(cs []candidate, _ string) candidate {
	frac := func(c candidate) (uint64, uint64) {
		used, total := c.info.SpaceUsed, c.info.SpaceUsed+c.info.SpaceAvail
		if total == 0 {
			return 0, 1
		}
		return used, total
	}
	best := cs[0]
	bu, bt := frac(best)
	for _, c := range cs[1:] {
		u, t := frac(c)
		if mulLess(u, bt, bu, t) {
			best, bu, bt = c, u, t
		}
	}
	return best
}

// mulLess reports a*b < c*d using 128-bit products.
func mulLess(a, b, c, d uint64) bool {
	ah, al := bits.Mul64(a, b)
	ch, cl := bits.Mul64(c, d)
	return ah < ch || (ah == ch && al < cl)
}

// proportionalFill picks a random branch weighted by available space.
func proportionalFill(cs []candidate, _ string) candidate {
	var sum uint64
	for _, c := range cs {
		sum += c.info.SpaceAvail
	}
	if sum == 0 {
		return cs[0]
	}
	threshold := rand.Uint64N(sum)
	var acc uint64
	for _, c := range cs {
		acc += c.info.SpaceAvail
		if acc > threshold {
			return c
		}
	}
	return cs[len(cs)-1]
}

func newest(cs []candidate, fusepath string) candidate {
	var best candidate
	var bestMtime unix.Timespec
	found := false
	for _, c := range cs {
		var st unix.Stat_t
		if err := c.b.Lstat(fusepath, &st); err != nil {
			continue
		}
		if !found || st.Mtim.Sec > bestMtime.Sec || (st.Mtim.Sec == bestMtime.Sec && st.Mtim.Nsec > bestMtime.Nsec) {
			best, bestMtime, found = c, st.Mtim, true
		}
	}
	if !found {
		return cs[0]
	}
	return best
}

func random(cs []candidate, _ string) candidate {
	return cs[rand.IntN(len(cs))]
}

func one(c candidate) []*branch.Branch {
	return []*branch.Branch{c.b}
}
