package bounds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains_Florida(t *testing.T) {
	// Miami.
	assert.True(t, Contains("FL", 25.76, -80.19))
	// Atlanta is inside Georgia's box, not Florida's.
	assert.False(t, Contains("FL", 33.75, -84.39))
	assert.True(t, Contains("GA", 33.75, -84.39))
}

func TestContains_Texas(t *testing.T) {
	// Austin.
	assert.True(t, Contains("TX", 30.27, -97.74))
	// Null Island.
	assert.False(t, Contains("TX", 0, 0))
}

func TestContains_UnknownStateFailsClosed(t *testing.T) {
	assert.False(t, Contains("PR", 18.22, -66.59))
	assert.False(t, Contains("", 30.0, -90.0))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("FL"))
	assert.True(t, Known("DC"))
	assert.False(t, Known("XX"))
}

func TestAllStatesLoaded(t *testing.T) {
	// 50 states plus DC.
	assert.Len(t, stateBounds, 51)
}
