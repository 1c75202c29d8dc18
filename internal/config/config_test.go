package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func TestSetPreservesInsertionOrder(t *testing.T) {
	c := New()
	c.Set("b", 1)
	c.Set("a", 2)
	c.Set("c", 3)
	assert.Equal(t, []string{"b", "a", "c"}, c.Keys())

	// Overwriting keeps the original position.
	c.Set("a", 9)
	assert.Equal(t, []string{"b", "a", "c"}, c.Keys())
	assert.Equal(t, 9, c.GetIntOr("a", 0))
}

func TestRemove(t *testing.T) {
	c := New()
	c.Set("a", "x")
	c.Set("b", "y")
	c.Remove("a")
	assert.Equal(t, []string{"b"}, c.Keys())
	assert.False(t, c.Has("a"))
}

func TestNormalizeIntAndMap(t *testing.T) {
	c := New()
	c.Set("n", 7)
	assert.Equal(t, int64(7), c.Get("n"))

	c.Set("m", map[string]any{"z": 1, "a": 2})
	nested, ok := c.Nested("m")
	require.True(t, ok)
	// Maps have no order, so normalized maps sort their keys.
	assert.Equal(t, []string{"a", "z"}, nested.Keys())
}

func TestMergeOtherWins(t *testing.T) {
	base := New()
	base.Set("a", "base")
	base.Set("b", "base")
	sub := New()
	sub.Set("x", 1)
	base.Set("nested", sub)

	over := New()
	over.Set("b", "over")
	over.Set("c", "over")
	sub2 := New()
	sub2.Set("y", 2)
	over.Set("nested", sub2)

	base.Merge(over)
	assert.Equal(t, "base", base.GetStringOr("a", ""))
	assert.Equal(t, "over", base.GetStringOr("b", ""))
	assert.Equal(t, "over", base.GetStringOr("c", ""))
	// Nested configs merge recursively.
	n, ok := base.Nested("nested")
	require.True(t, ok)
	assert.Equal(t, 1, n.GetIntOr("x", 0))
	assert.Equal(t, 2, n.GetIntOr("y", 0))
	// Existing keys keep their position, new keys append.
	assert.Equal(t, []string{"a", "b", "nested", "c"}, base.Keys())
}

func TestMergeDefaultReceiverWins(t *testing.T) {
	c := New()
	c.Set("a", "mine")
	def := New()
	def.Set("a", "default")
	def.Set("b", "default")
	c.MergeDefault(def)
	assert.Equal(t, "mine", c.GetStringOr("a", ""))
	assert.Equal(t, "default", c.GetStringOr("b", ""))
}

func TestDeepCopyIndependence(t *testing.T) {
	c := New()
	sub := New()
	sub.Set("k", "v")
	c.Set("sub", sub)
	c.Set("list", []any{1, 2})

	cp := c.DeepCopy()
	cpSub, ok := cp.Nested("sub")
	require.True(t, ok)
	cpSub.Set("k", "changed")
	cp.GetList("list")[0] = int64(99)

	orig, _ := c.Nested("sub")
	assert.Equal(t, "v", orig.GetStringOr("k", ""))
	assert.Equal(t, int64(1), c.GetList("list")[0])
}

func TestGetSetPath(t *testing.T) {
	c := New()
	c.SetPath("a.b.c", 5)
	v, ok := c.GetPath("a.b.c")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
	_, ok = c.GetPath("a.b.missing")
	assert.False(t, ok)
}

func TestYAMLRoundTripPreservesOrder(t *testing.T) {
	src := "+first:\n  echo>: one\n+second:\n  echo>: two\n+third:\n  echo>: three\n"
	c, err := ParseYAML([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []string{"+first", "+second", "+third"}, c.Keys())

	out, err := yamlv3.Marshal(c)
	require.NoError(t, err)
	c2, err := ParseYAML(out)
	require.NoError(t, err)
	assert.Equal(t, c.Keys(), c2.Keys())

	// Marshalling twice is byte-stable.
	out2, err := yamlv3.Marshal(c2)
	require.NoError(t, err)
	assert.Equal(t, string(out), string(out2))
}

func TestJSONRoundTripPreservesOrder(t *testing.T) {
	c := New()
	c.Set("z", "last-first")
	c.Set("a", 1)
	sub := New()
	sub.Set("deep", true)
	c.Set("sub", sub)
	c.Set("list", []any{"x", 2})

	data, err := c.MarshalJSON()
	require.NoError(t, err)
	c2, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, c.Keys(), c2.Keys())
	assert.Equal(t, c.String(), c2.String())
}

func TestParseYAMLScalarTypes(t *testing.T) {
	src := "s: text\nn: 42\nf: 1.5\nb: true\nnothing: null\n"
	c, err := ParseYAML([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "text", c.GetStringOr("s", ""))
	assert.Equal(t, 42, c.GetIntOr("n", 0))
	assert.Equal(t, 1.5, c.Get("f"))
	assert.Equal(t, true, c.GetBoolOr("b", false))
	assert.True(t, c.Has("nothing"))
	assert.Nil(t, c.Get("nothing"))
}
