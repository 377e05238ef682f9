package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPeer(t *testing.T) {
	store := newTestStore(t)

	ip := "192.168.1.10"
	port := 42000
	seen := nowUnixMilli()
	require.NoError(t, store.UpsertPeer(Peer{
		Ident:             "peer-1",
		Hostname:          "alice-laptop",
		DisplayName:       "Alice",
		UserName:          "alice",
		AddedTimestamp:    100,
		LastSeenTimestamp: &seen,
		LastKnownIP:       &ip,
		LastKnownPort:     &port,
	}))

	got, err := store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	require.NotNil(t, got.LastKnownIP)
	assert.Equal(t, ip, *got.LastKnownIP)

	// A refresh without endpoint data keeps what is known.
	require.NoError(t, store.UpsertPeer(Peer{
		Ident:          "peer-1",
		Hostname:       "alice-laptop",
		DisplayName:    "Alice B",
		AddedTimestamp: 200,
	}))
	got, err = store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", got.DisplayName)
	assert.Equal(t, int64(100), got.AddedTimestamp)
	require.NotNil(t, got.LastKnownPort)
	assert.Equal(t, port, *got.LastKnownPort)
	require.NotNil(t, got.LastSeenTimestamp)
	assert.Equal(t, seen, *got.LastSeenTimestamp)
}

func TestUpsertPeerValidation(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.UpsertPeer(Peer{Hostname: "h"}))
	assert.Error(t, store.UpsertPeer(Peer{Ident: "p", Hostname: "  "}))
}

func TestListAndRemovePeers(t *testing.T) {
	store := newTestStore(t)

	older, newer := int64(1_000), int64(2_000)
	require.NoError(t, store.UpsertPeer(Peer{Ident: "a", Hostname: "one", LastSeenTimestamp: &older}))
	require.NoError(t, store.UpsertPeer(Peer{Ident: "b", Hostname: "two", LastSeenTimestamp: &newer}))
	mustRecord(t, store, Transfer{PeerIdent: "a", StartTime: 1, Direction: "inbound", Status: "FINISHED"})

	peers, err := store.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "b", peers[0].Ident)

	require.NoError(t, store.RemovePeer("a"))
	_, err = store.GetPeer("a")
	assert.ErrorIs(t, err, ErrNotFound)
	history, err := store.ListTransfers(TransferFilter{PeerIdent: "a"})
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, store.RemovePeer("a"), ErrNotFound)
}
