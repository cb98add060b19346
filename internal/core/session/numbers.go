package session

import "slices"

// numberPool hands out the lowest participant number not in use.
type numberPool struct {
	// free holds released numbers below next, ascending.
	free []int
	next int
}

func (p *numberPool) take() int {
	if len(p.free) > 0 {
		n := p.free[0]
		p.free = p.free[1:]
		return n
	}
	n := p.next
	p.next++
	return n
}

func (p *numberPool) release(n int) {
	if n < 0 || n >= p.next {
		return
	}
	i, found := slices.BinarySearch(p.free, n)
	if found {
		return
	}
	p.free = slices.Insert(p.free, i, n)

	// shrink next while the top of the range is free
	for len(p.free) > 0 && p.free[len(p.free)-1] == p.next-1 {
		p.free = p.free[:len(p.free)-1]
		p.next--
	}
}
