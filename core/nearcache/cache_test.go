package nearcache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(zap.NewNop(), nil)
}

func TestPeekAbsent(t *testing.T) {
	c := newTestCache(t)

	_, _, ok := c.Peek("k")
	require.False(t, ok)
}

func TestUpdateThenPeek(t *testing.T) {
	c := newTestCache(t)

	c.Update("k", []byte("v1"), 1, "node-a")
	value, version, ok := c.Peek("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)
	require.Equal(t, uint64(1), version)
	require.Equal(t, "node-a", c.PrimaryHint("k"))
}

func TestShadowVersionNeverRegresses(t *testing.T) {
	c := newTestCache(t)

	c.Update("k", []byte("v3"), 3, "node-a")

	// An out-of-order push with an older version must not win.
	c.Update("k", []byte("v2"), 2, "node-a")
	value, version, ok := c.Peek("k")
	require.True(t, ok)
	require.Equal(t, []byte("v3"), value)
	require.Equal(t, uint64(3), version)

	// Equal versions are ignored too; only strictly newer state applies.
	c.Update("k", []byte("other"), 3, "node-a")
	value, _, _ = c.Peek("k")
	require.Equal(t, []byte("v3"), value)

	c.Update("k", []byte("v4"), 4, "node-b")
	value, version, _ = c.Peek("k")
	require.Equal(t, []byte("v4"), value)
	require.Equal(t, uint64(4), version)
	require.Equal(t, "node-b", c.PrimaryHint("k"))
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)

	c.Update("k", []byte("v1"), 1, "node-a")
	c.Invalidate("k")
	_, _, ok := c.Peek("k")
	require.False(t, ok)

	// A fresh shadow after invalidation starts over at any version.
	c.Update("k", []byte("v1"), 1, "node-a")
	_, version, ok := c.Peek("k")
	require.True(t, ok)
	require.Equal(t, uint64(1), version)
}

func TestDropPartitions(t *testing.T) {
	c := newTestCache(t)
	pf := func(key string) int {
		if key == "hot" {
			return 1
		}
		return 2
	}

	c.Update("hot", []byte("a"), 1, "node-a")
	c.Update("cold", []byte("b"), 1, "node-b")

	c.DropPartitions(map[int]struct{}{1: {}}, pf)

	_, _, ok := c.Peek("hot")
	require.False(t, ok)
	_, _, ok = c.Peek("cold")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}
