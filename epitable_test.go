package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daos-stack/cart-go/carterrors"
)

func TestEpiTableInsertRejectsDuplicate(t *testing.T) {
	table := NewEpiTable()
	epi := newEndpointInflight(nil, 1, 0)

	require.NoError(t, table.Insert(1, epi))
	err := table.Insert(1, newEndpointInflight(nil, 1, 0))
	require.Error(t, err)
	assert.Equal(t, carterrors.CodeInvalid, carterrors.ErrorCode(err))
}

func TestEpiTableLookupBumpsRefcount(t *testing.T) {
	table := NewEpiTable()
	epi := newEndpointInflight(nil, 1, 0)
	require.NoError(t, table.Insert(1, epi))

	found, ok := table.Lookup(1)
	require.True(t, ok)
	assert.Same(t, epi, found)
	assert.EqualValues(t, 2, epi.refcount.Load())
	found.Release()
	assert.EqualValues(t, 1, epi.refcount.Load())
}

func TestEpiTableLookupOrCreate(t *testing.T) {
	table := NewEpiTable()

	epi := table.LookupOrCreate(nil, 9, 4)
	require.NotNil(t, epi)
	assert.Equal(t, uint32(9), epi.Rank)
	epi.Release()

	again := table.LookupOrCreate(nil, 9, 4)
	assert.Same(t, epi, again)
	again.Release()
	assert.Equal(t, 1, table.Len())
}

func TestEpiTableDestroyNonForceFailsWhenReferenced(t *testing.T) {
	table := NewEpiTable()
	epi := newEndpointInflight(nil, 1, 0)
	require.NoError(t, table.Insert(1, epi))
	epi.addRef() // simulate an outstanding handle

	err := table.Destroy(false)
	require.Error(t, err)
	assert.Equal(t, carterrors.CodeBusy, carterrors.ErrorCode(err))
	assert.Equal(t, 1, table.Len())

	require.NoError(t, table.Destroy(true))
	assert.Equal(t, 0, table.Len())
}
