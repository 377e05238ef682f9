package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustRecord(t *testing.T, store *Store, tr Transfer) {
	t.Helper()
	require.NoError(t, store.RecordTransfer(tr), "record %s/%d", tr.PeerIdent, tr.StartTime)
}
