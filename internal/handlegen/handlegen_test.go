package handlegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIsMonotonic(t *testing.T) {
	g := New()
	assert.Equal(t, 0, g.Next(nil))
	assert.Equal(t, 1, g.Next(nil))
	assert.Equal(t, 2, g.Next(nil))
}

func TestNextSkipsInUseHandles(t *testing.T) {
	g := New()
	inUse := map[int]bool{0: true, 1: true}
	got := g.Next(func(h int) bool { return inUse[h] })
	assert.Equal(t, 2, got)
}

func TestNextWrapsToZeroNotMinusOne(t *testing.T) {
	g := &Generator{next: maxIntForTest()}
	first := g.Next(nil)
	assert.Equal(t, maxIntForTest(), first)
	second := g.Next(nil)
	assert.Equal(t, 0, second)
}

func maxIntForTest() int {
	return int(^uint(0) >> 1)
}
