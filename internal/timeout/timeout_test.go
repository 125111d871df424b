package timeout

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMillis(t *testing.T) {
	assert.Nil(t, ResolveMillis(nil))
	assert.Nil(t, ResolveMillis(Minutes(0)))
	assert.Nil(t, ResolveMillis(Minutes(-5)))

	got := ResolveMillis(Minutes(10))
	require.NotNil(t, got)
	assert.Equal(t, int64(600000), *got)
}

func TestResolveMillis_Overflow(t *testing.T) {
	assert.Nil(t, ResolveMillis(Minutes(math.MaxInt32)))

	// 35791 minutes is the largest value that still fits.
	got := ResolveMillis(Minutes(35791))
	require.NotNil(t, got)
	assert.Equal(t, int64(35791*60000), *got)
	assert.Nil(t, ResolveMillis(Minutes(35792)))
}

func TestResolveMillisClamped(t *testing.T) {
	assert.Nil(t, ResolveMillisClamped(nil, 5, 60))
	assert.Nil(t, ResolveMillisClamped(Minutes(0), 5, 60))

	low := ResolveMillisClamped(Minutes(1), 5, 60)
	require.NotNil(t, low)
	assert.Equal(t, int64(5*60000), *low)

	high := ResolveMillisClamped(Minutes(600), 5, 60)
	require.NotNil(t, high)
	assert.Equal(t, int64(60*60000), *high)

	// Without an upper bound the overflow rule still applies.
	assert.Nil(t, ResolveMillisClamped(Minutes(math.MaxInt32), 5, 0))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Hour, Duration(nil, time.Hour))
	assert.Equal(t, 10*time.Minute, Duration(ResolveMillis(Minutes(10)), time.Hour))
}
