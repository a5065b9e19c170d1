package controllers

import (
	"hash/fnv"
	"sort"
	"sync"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
)

const lockStripes = 64

// addressLocks serializes operations on overlapping subtrees. An operation holds its
// target address exclusively and every ancestor shared, so siblings proceed in parallel
// while removing a subtree excludes work below it.
type addressLocks struct {
	stripes [lockStripes]sync.RWMutex
}

func stripeOf(addr mgmtv1alpha1.Address) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr.String()))
	return int(h.Sum32() % lockStripes)
}

func (l *addressLocks) lock(addr mgmtv1alpha1.Address) func() {
	exclusive := make(map[int]bool, len(addr)+1)
	for i := 0; i < len(addr); i++ {
		idx := stripeOf(addr[:i])
		exclusive[idx] = exclusive[idx] || false
	}
	exclusive[stripeOf(addr)] = true

	order := make([]int, 0, len(exclusive))
	for idx := range exclusive {
		order = append(order, idx)
	}
	sort.Ints(order)
	for _, idx := range order {
		if exclusive[idx] {
			l.stripes[idx].Lock()
		} else {
			l.stripes[idx].RLock()
		}
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			if exclusive[order[i]] {
				l.stripes[order[i]].Unlock()
			} else {
				l.stripes[order[i]].RUnlock()
			}
		}
	}
}

// lockAll excludes every other operation.
func (l *addressLocks) lockAll() func() {
	for i := range l.stripes {
		l.stripes[i].Lock()
	}
	return func() {
		for i := len(l.stripes) - 1; i >= 0; i-- {
			l.stripes[i].Unlock()
		}
	}
}
