package ids

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	got := make([]string, 200)
	for i := range got {
		got[i] = New()
	}
	assert.True(t, sort.StringsAreSorted(got))

	seen := map[string]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPrefixedRoundTripsTime(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := Prefixed("pos")
	require.True(t, strings.HasPrefix(id, "pos_"))

	ts, ok := Time(id)
	require.True(t, ok)
	assert.False(t, ts.Before(before.Truncate(time.Millisecond)))

	_, ok = Time("not-an-id")
	assert.False(t, ok)
}
