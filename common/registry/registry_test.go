package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{ name string }

func TestResolve_TypedLookup(t *testing.T) {
	r := New()
	key := NewKey[*fakeStore]("store")
	Register(r, key, &fakeStore{name: "primary"})

	got, err := Resolve(r, key)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.name)
}

func TestResolve_MissingKey(t *testing.T) {
	r := New()
	_, err := Resolve(r, NewKey[*fakeStore]("ghost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRegisterFactory_RunsOnce(t *testing.T) {
	r := New()
	key := NewKey[*fakeStore]("lazy")

	builds := 0
	RegisterFactory(r, key, func() (*fakeStore, error) {
		builds++
		return &fakeStore{name: "built"}, nil
	})

	first, err := Resolve(r, key)
	require.NoError(t, err)
	second, err := Resolve(r, key)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
}

func TestRegisterFactory_ErrorPropagates(t *testing.T) {
	r := New()
	key := NewKey[*fakeStore]("broken")
	RegisterFactory(r, key, func() (*fakeStore, error) {
		return nil, errors.New("no backend")
	})

	_, err := Resolve(r, key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend")
}

func TestCreateChild_OverrideDoesNotPropagate(t *testing.T) {
	parent := New()
	key := NewKey[*fakeStore]("store")
	Register(parent, key, &fakeStore{name: "parent"})

	child := parent.CreateChild()
	Register(child, key, &fakeStore{name: "child"})

	fromChild, err := Resolve(child, key)
	require.NoError(t, err)
	assert.Equal(t, "child", fromChild.name)

	fromParent, err := Resolve(parent, key)
	require.NoError(t, err)
	assert.Equal(t, "parent", fromParent.name)
}

func TestReportUnused_ListsUnresolvedKeysSorted(t *testing.T) {
	r := New()
	Register(r, NewKey[*fakeStore]("zeta"), &fakeStore{})
	Register(r, NewKey[*fakeStore]("alpha"), &fakeStore{})
	Register(r, NewKey[*fakeStore]("mid"), &fakeStore{})

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.ReportUnused())

	_, err := Resolve(r, NewKey[*fakeStore]("mid"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, r.ReportUnused())

	_, err = Resolve(r, NewKey[*fakeStore]("alpha"))
	require.NoError(t, err)
	_, err = Resolve(r, NewKey[*fakeStore]("zeta"))
	require.NoError(t, err)
	assert.Empty(t, r.ReportUnused())
}
