package cmd

import (
	"github.com/sirupsen/logrus"

	"gowarp/network"
	"gowarp/storage"
)

// historyRecorder mirrors op status changes and remote machine info into the
// history store. It runs on the notifier's dispatcher.
type historyRecorder struct {
	store *storage.Store
	log   *logrus.Entry
}

func newHistoryRecorder(store *storage.Store, log *logrus.Entry) *historyRecorder {
	return &historyRecorder{store: store, log: log.WithField("component", "history")}
}

func (r *historyRecorder) handle(ev network.Event) {
	switch ev.Kind {
	case network.EventNewIncomingOp, network.EventOpStatusChanged:
		if ev.Op == nil {
			return
		}
		if err := r.store.RecordTransfer(transferRow(*ev.Op, ev)); err != nil {
			r.log.WithError(err).WithField("op", ev.Op.StartTime).Warn("Recording transfer failed")
		}
	case network.EventMachineInfoChanged:
		if err := r.store.UpsertPeer(peerRow(ev)); err != nil {
			r.log.WithError(err).WithField("peer", ev.Peer.Ident).Warn("Caching peer failed")
		}
	}
}

func transferRow(op network.OpSnapshot, ev network.Event) storage.Transfer {
	return storage.Transfer{
		PeerIdent:        op.PeerIdent,
		StartTime:        op.StartTime,
		Direction:        string(op.Direction),
		SenderName:       op.SenderName,
		ReceiverName:     op.ReceiverName,
		Description:      op.Description,
		TotalSize:        op.TotalSize,
		TotalCount:       op.TotalCount,
		Status:           string(op.Status),
		ErrorMsg:         op.ErrorMsg,
		Attempt:          op.Attempt,
		BytesTransferred: op.Progress.Transferred,
		UpdatedAt:        ev.Time.UnixMilli(),
	}
}

func peerRow(ev network.Event) storage.Peer {
	p := ev.Peer
	seen := ev.Time.UnixMilli()
	row := storage.Peer{
		Ident:             p.Ident,
		Hostname:          p.Hostname,
		DisplayName:       p.DisplayName,
		UserName:          p.UserName,
		LastSeenTimestamp: &seen,
	}
	if p.IP != "" {
		ip := p.IP
		row.LastKnownIP = &ip
	}
	if p.Port > 0 {
		port := p.Port
		row.LastKnownPort = &port
	}
	return row
}
