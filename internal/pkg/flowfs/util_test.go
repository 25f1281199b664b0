package flowfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitEvery(t *testing.T) {
	values := []int{1, 2, 3, 4, 5, 6, 7}

	groups := SplitEvery(values, 3)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, groups)
}

func TestSplitEveryExactMultiple(t *testing.T) {
	groups := SplitEvery([]int{1, 2, 3, 4}, 2)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, groups)
}

func TestSplitEveryEmpty(t *testing.T) {
	assert.Empty(t, SplitEvery([]int{}, 3))
}

func TestMaxInt(t *testing.T) {
	assert.Equal(t, 5, MaxInt(3, 5))
	assert.Equal(t, 5, MaxInt(5, 3))
}
