package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b      PathRule
		conflicts bool
		contains  bool
	}{
		{"/a", "/a", true, true},
		{"/a", "/a/b", true, true},
		{"/a/b", "/a", true, false},
		{"/a", "/ab", false, false},
		{"/a", "/b", false, false},
		{"/", "/x/y", true, true},
		{"a/./b/", "/a/b", true, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.conflicts, tc.a.Conflicts(tc.b), "%s conflicts %s", tc.a, tc.b)
		assert.Equal(t, tc.contains, tc.a.Contains(tc.b), "%s contains %s", tc.a, tc.b)
	}
}

func TestCombine(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Combine())
	assert.Nil(t, Combine(nil, nil))
	assert.Equal(t, Rule(PathRule("/a")), Combine(nil, PathRule("/a")))

	ab := Combine(PathRule("/a"), PathRule("/b"))
	abc := Combine(ab, PathRule("/c"))
	mr, ok := abc.(*MultiRule)
	assert.True(t, ok)
	assert.Len(t, mr.Children(), 3)

	assert.True(t, conflicting(ab, PathRule("/b/x")))
	assert.False(t, conflicting(ab, PathRule("/c")))
	assert.True(t, conflicting(ab, abc))
	assert.True(t, containing(abc, ab))
	assert.False(t, containing(ab, abc))
	assert.True(t, containing(PathRule("/"), ab))
	assert.True(t, containing(ab, PathRule("/a/deep")))
}

func TestMutexRule(t *testing.T) {
	t.Parallel()
	a, b := NewMutex("a"), NewMutex("a")
	assert.True(t, conflicting(a, a))
	assert.False(t, conflicting(a, b))
	assert.True(t, containing(a, a))
	assert.False(t, containing(a, b))
	assert.True(t, conflicting(Combine(a, PathRule("/x")), a))
}

func TestNilRules(t *testing.T) {
	t.Parallel()
	assert.False(t, conflicting(nil, PathRule("/")))
	assert.False(t, conflicting(PathRule("/"), nil))
	assert.True(t, containing(nil, nil))
	assert.False(t, containing(nil, PathRule("/a")))
	assert.False(t, containing(PathRule("/a"), nil))
}
