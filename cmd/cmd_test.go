package cmd

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gowarp/config"
	"gowarp/network"
	"gowarp/storage"
	"gowarp/transfer"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testConfig(t *testing.T) *config.DeviceConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.DeviceConfig{
		Ident:       "local-ident",
		Hostname:    "local-host",
		DisplayName: "Local",
		UserName:    "me",
		GroupCode:   "shared",
		Port:        42000,
		AuthPort:    42001,
		SaveDir:     filepath.Join(dir, "inbox"),
		LogLevel:    "info",
		KeyPath:     filepath.Join(dir, "keys", "server.key"),
		CertPath:    filepath.Join(dir, "keys", "server.crt"),
	}
}

func TestHistoryRecorderStoresOpsAndPeers(t *testing.T) {
	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	recorder := newHistoryRecorder(store, quietLogger())

	at := time.UnixMilli(1_700_000_000_500)
	op := network.OpSnapshot{
		PeerIdent:    "peer-1",
		StartTime:    1_700_000_000_000,
		Direction:    transfer.DirectionInbound,
		SenderName:   "Alice",
		ReceiverName: "Local",
		Description:  "photo.jpg",
		TotalSize:    2048,
		TotalCount:   1,
		Status:       transfer.StatusTransferring,
		Attempt:      1,
	}
	recorder.handle(network.Event{Kind: network.EventNewIncomingOp, Op: &op, Time: at})

	op.Status = transfer.StatusFinished
	op.Progress.Transferred = 2048
	recorder.handle(network.Event{Kind: network.EventOpStatusChanged, Op: &op, Time: at.Add(time.Second)})
	// Progress alone is not persisted.
	recorder.handle(network.Event{Kind: network.EventOpProgress, Op: &op, Time: at.Add(2 * time.Second)})

	row, err := store.GetTransfer("peer-1", op.StartTime, "inbound")
	require.NoError(t, err)
	assert.Equal(t, "FINISHED", row.Status)
	assert.Equal(t, int64(2048), row.BytesTransferred)
	assert.Equal(t, at.Add(time.Second).UnixMilli(), row.UpdatedAt)

	recorder.handle(network.Event{
		Kind: network.EventMachineInfoChanged,
		Peer: network.PeerSnapshot{
			Ident:       "peer-1",
			Hostname:    "alice-laptop",
			DisplayName: "Alice",
			UserName:    "alice",
			IP:          "10.0.0.2",
			Port:        42000,
		},
		Time: at,
	})
	peer, err := store.GetPeer("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", peer.DisplayName)
	require.NotNil(t, peer.LastKnownIP)
	assert.Equal(t, "10.0.0.2", *peer.LastKnownIP)
	require.NotNil(t, peer.LastSeenTimestamp)
	assert.Equal(t, at.UnixMilli(), *peer.LastSeenTimestamp)

	// Events without an op are ignored rather than recorded half empty.
	recorder.handle(network.Event{Kind: network.EventOpStatusChanged, Time: at})
	all, err := store.ListTransfers(storage.TransferFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestServerOptionsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoAccept = true
	cfg.SameSubnetOnly = true

	opts, err := serverOptions(cfg, nodeOptions{}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, ":42000", opts.ListenAddress)
	assert.Equal(t, ":42001", opts.AuthListenAddress)
	assert.NotNil(t, opts.Credentials)
	assert.NotNil(t, opts.SameSubnet)
	assert.True(t, opts.AutoAccept)
	assert.Equal(t, cfg.SaveDir, opts.Filesystem.SaveRoot())
	assert.FileExists(t, cfg.KeyPath)
	assert.FileExists(t, cfg.CertPath)

	off := false
	opts, err = serverOptions(cfg, nodeOptions{ephemeralPorts: true, autoAccept: &off}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, ":0", opts.ListenAddress)
	assert.Equal(t, ":0", opts.AuthListenAddress)
	assert.False(t, opts.AutoAccept)
}

func TestServerOptionsPlaintextWithoutAuthPort(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthPort = 0
	cfg.AvatarPath = filepath.Join(t.TempDir(), "missing.png")

	opts, err := serverOptions(cfg, nodeOptions{}, quietLogger())
	require.NoError(t, err)
	assert.Nil(t, opts.Credentials)
	assert.Empty(t, opts.AuthListenAddress)
	assert.Nil(t, opts.Avatar)
	assert.Nil(t, opts.SameSubnet)
	assert.NoFileExists(t, cfg.KeyPath)
}

func TestFindOnline(t *testing.T) {
	peers := []network.PeerSnapshot{
		{Ident: "a", Hostname: "desk", DisplayHostname: "desk", DisplayName: "Ann", Status: network.PeerOffline},
		{Ident: "b", Hostname: "laptop", DisplayHostname: "laptop (10.0.0.3)", DisplayName: "Bob", Status: network.PeerOnline},
	}

	for _, target := range []string{"b", "LAPTOP", "laptop (10.0.0.3)", "bob"} {
		ident, ok := findOnline(peers, target)
		assert.True(t, ok, target)
		assert.Equal(t, "b", ident, target)
	}
	_, ok := findOnline(peers, "desk")
	assert.False(t, ok, "offline peer")
}

func TestSendTrackerReportsTerminalSnapshot(t *testing.T) {
	tracker := newSendTracker()
	op := network.OpSnapshot{
		PeerIdent:   "b",
		StartTime:   7,
		Direction:   transfer.DirectionOutbound,
		Status:      transfer.StatusWaitingPermission,
		Description: "notes.txt",
	}

	// A status change delivered before SendFiles returns is replayed.
	early := op
	early.Status = transfer.StatusFailed
	early.ErrorMsg = "connection lost"
	tracker.handle(network.Event{Kind: network.EventOpStatusChanged, Op: &early})

	other := op
	other.StartTime = 8
	other.Status = transfer.StatusFinished
	tracker.handle(network.Event{Kind: network.EventOpStatusChanged, Op: &other})

	tracker.track(op)

	select {
	case final := <-tracker.done:
		assert.Equal(t, transfer.StatusFailed, final.Status)
		assert.Equal(t, "connection lost", final.ErrorMsg)
	default:
		t.Fatal("expected terminal snapshot")
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(3<<19))
}

func TestCounterpart(t *testing.T) {
	assert.Equal(t, "Alice", counterpart(storage.Transfer{Direction: "inbound", SenderName: "Alice", ReceiverName: "me"}))
	assert.Equal(t, "Bob", counterpart(storage.Transfer{Direction: "outbound", SenderName: "me", ReceiverName: "Bob"}))
	assert.Equal(t, "p", counterpart(storage.Transfer{Direction: "outbound", PeerIdent: "p"}))
}
