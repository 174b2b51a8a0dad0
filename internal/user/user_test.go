package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RefDeduplicatesByUID(t *testing.T) {
	r := NewRegistry()

	a := r.Ref(1000, 1000, 42)
	b := r.Ref(1000, 1000, 99)

	require.Same(t, a, b, "two Refs for the same uid must return the same Identity")
	assert.Equal(t, uint32(1000), a.UID)
}

func TestRegistry_UnrefRemovesOnLastRelease(t *testing.T) {
	r := NewRegistry()

	a := r.Ref(2000, 2000, 1)
	r.Ref(2000, 2000, 1) // second ref, same uid

	r.Unref(a)
	// still one outstanding ref: a fresh Ref for the same uid must return
	// the same Identity, not a new one.
	again := r.Ref(2000, 2000, 1)
	require.Same(t, a, again)

	r.Unref(a)
	r.Unref(again)

	fresh := r.Ref(2000, 2000, 1)
	assert.NotSame(t, a, fresh, "identity must be evicted once its refcount drains to zero")
}

func TestRegistry_DistinctUIDsGetDistinctIdentities(t *testing.T) {
	r := NewRegistry()

	a := r.Ref(1, 1, 1)
	b := r.Ref(2, 2, 2)

	assert.NotSame(t, a, b)
}
