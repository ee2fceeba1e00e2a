// Package handlegen generates dense, monotonically increasing integer
// handles for newly accepted client connections.
package handlegen

import "math"

// InUse is supplied by the caller to test whether a candidate handle is
// already occupied, so the generator can skip over values still referenced
// by a live record after wraparound.
type InUse func(handle int) bool

// Generator yields small, cache-friendly, collision-free handles.
type Generator struct {
	next int
}

// New returns a Generator starting from 0.
func New() *Generator {
	return &Generator{next: 0}
}

// Next returns the next handle not reported in-use by inUse, advancing the
// internal counter and wrapping from MaxInt back to 0 (never to -1).
func (g *Generator) Next(inUse InUse) int {
	for {
		h := g.next
		if g.next == math.MaxInt {
			g.next = 0
		} else {
			g.next++
		}
		if inUse == nil || !inUse(h) {
			return h
		}
	}
}
