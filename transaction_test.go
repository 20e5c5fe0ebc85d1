package tidekv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionCommitAppliesAllOps(t *testing.T) {
	e := openTestEngine(t, 1000)

	tx := e.BeginTransaction()
	tx.AddPut([]byte("a"), []byte("1"))
	tx.AddPut([]byte("b"), []byte("2"))
	tx.AddDelete([]byte("c"))

	require.NoError(t, tx.Commit())

	v, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	v, ok, err = e.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))

	_, ok, err = e.Get([]byte("c"))
	require.NoError(t, err)
	require.False(t, ok, "expected c absent")
}

func TestTransactionRollbackRestoresPreCommitState(t *testing.T) {
	e := openTestEngine(t, 1000)

	require.NoError(t, e.Put([]byte("k"), []byte("original")))

	tx := e.BeginTransaction()
	tx.AddPut([]byte("k"), []byte("changed"))
	tx.AddPut([]byte("new-key"), []byte("value"))

	require.NoError(t, tx.Commit())

	v, _, _ := e.Get([]byte("k"))
	require.Equal(t, "changed", string(v))

	require.NoError(t, tx.Rollback())

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "original", string(v))

	_, ok, err = e.Get([]byte("new-key"))
	require.NoError(t, err)
	require.False(t, ok, "expected new-key to be absent after rollback")
}

func TestTransactionCannotCommitTwice(t *testing.T) {
	e := openTestEngine(t, 1000)

	tx := e.BeginTransaction()
	tx.AddPut([]byte("a"), []byte("1"))
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit(), "expected error committing an already-committed transaction")
}

func TestTransactionCannotRollbackBeforeCommit(t *testing.T) {
	e := openTestEngine(t, 1000)

	tx := e.BeginTransaction()
	tx.AddPut([]byte("a"), []byte("1"))
	require.Error(t, tx.Rollback(), "expected error rolling back an uncommitted transaction")
}

func TestTransactionCannotRollbackTwice(t *testing.T) {
	e := openTestEngine(t, 1000)

	tx := e.BeginTransaction()
	tx.AddPut([]byte("a"), []byte("1"))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())
	require.Error(t, tx.Rollback(), "expected error on second rollback")
}
