package network

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gowarp/transfer"
)

// statusCause records who asked for a transition. Only local transitions are
// propagated to the peer.
type statusCause int

const (
	causeLocal statusCause = iota
	causeRemote
	causeConnection
	// causeStream means the transfer stream itself carries the outcome.
	causeStream
)

func (c statusCause) String() string {
	switch c {
	case causeLocal:
		return "local"
	case causeRemote:
		return "remote"
	case causeConnection:
		return "connection"
	default:
		return "stream"
	}
}

type followUp struct {
	to    transfer.OpStatus
	msg   string
	cause statusCause
}

// setOpStatus is the single place an op changes status. The transition and
// its side effects run under the op's transition lock, so concurrent writers
// are linearised and a stale writer sees the advanced state and is rejected.
// Side effects may request one follow-up transition, applied under the same
// lock.
func (pc *PeerConnection) setOpStatus(op *TransferOp, to transfer.OpStatus, msg string, cause statusCause) error {
	op.transitionMu.Lock()
	defer op.transitionMu.Unlock()
	return pc.transitionLocked(op, to, msg, cause)
}

// beginOutboundStream claims an outbound op for the StartTransfer stream that
// ctx belongs to. Only an op still waiting for permission can be claimed, so a
// repeated StartTransfer never starts a second sender.
func (pc *PeerConnection) beginOutboundStream(op *TransferOp, cancel context.CancelFunc) (*transfer.PauseGate, error) {
	op.transitionMu.Lock()
	defer op.transitionMu.Unlock()

	if from := op.Status(); from != transfer.StatusWaitingPermission {
		return nil, fmt.Errorf("%w: stream requested while %s", ErrInvalidTransition, from)
	}
	gate := op.beginStream(cancel)
	if err := pc.transitionLocked(op, transfer.StatusTransferring, "", causeRemote); err != nil {
		return nil, err
	}
	return gate, nil
}

// transitionLocked applies a status change and its follow-ups. The caller
// holds op.transitionMu.
func (pc *PeerConnection) transitionLocked(op *TransferOp, to transfer.OpStatus, msg string, cause statusCause) error {
	first := true
	for {
		from := op.Status()
		if !transfer.CanTransition(from, to) {
			err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
			pc.log.WithFields(logrus.Fields{"op": op.startTime, "cause": cause}).Debug(err.Error())
			if first {
				return err
			}
			return nil
		}
		first = false

		op.setStatus(from, to, msg)
		entry := pc.log.WithFields(logrus.Fields{
			"op":    op.startTime,
			"dir":   op.direction,
			"from":  from,
			"to":    to,
			"cause": cause,
		})
		if msg != "" {
			entry = entry.WithField("error", msg)
		}
		if to == transfer.StatusFailed || to == transfer.StatusFailedUnrecoverable || to == transfer.StatusFileNotFound {
			entry.Warn("Transfer op status changed")
		} else {
			entry.Info("Transfer op status changed")
		}

		pc.publishOp(EventOpStatusChanged, op)

		next, ok := pc.applyOpEffects(op, from, to, cause)
		if !ok {
			return nil
		}
		to, msg, cause = next.to, next.msg, next.cause
	}
}

func (pc *PeerConnection) applyOpEffects(op *TransferOp, from, to transfer.OpStatus, cause statusCause) (followUp, bool) {
	local := cause == causeLocal
	ctx := pc.lifeContext()

	switch {
	case to == transfer.StatusWaitingPermission && op.direction == transfer.DirectionOutbound && local:
		req := op.request(pc.local())
		err := pc.call(ctx, func(ctx context.Context, client *warpClient) error {
			return client.processTransferOpRequest(ctx, req)
		})
		if err != nil {
			return followUp{to: transfer.StatusFailed, msg: fmt.Sprintf("request permission: %v", err), cause: causeLocal}, true
		}

	case to == transfer.StatusWaitingPermission && op.direction == transfer.DirectionInbound:
		return pc.checkIncoming(op)

	case to == transfer.StatusTransferring && from == transfer.StatusWaitingPermission && op.direction == transfer.DirectionInbound:
		streamCtx, cancel := context.WithCancel(context.Background())
		op.beginStream(cancel)
		go pc.receive(streamCtx, op)

	case to == transfer.StatusPaused:
		if gate := op.pauseGate(); gate != nil {
			gate.Pause()
		}

	case to == transfer.StatusTransferring && from == transfer.StatusPaused:
		if gate := op.pauseGate(); gate != nil {
			gate.Resume()
		}

	case to.Terminal():
		if local {
			pc.propagateTerminal(ctx, op, from, to)
		}
		op.cancelStream()
	}
	return followUp{}, false
}

// propagateTerminal tells the peer about a locally decided end state. A stop
// is sent before the local stream is cancelled so the peer labels it a stop,
// not a broken stream.
func (pc *PeerConnection) propagateTerminal(ctx context.Context, op *TransferOp, from, to transfer.OpStatus) {
	info := opInfo(pc.local(), op.startTime)
	var err error

	switch to {
	case transfer.StatusCancelledPermissionBySender, transfer.StatusCancelledPermissionByReceiver:
		err = pc.call(ctx, func(ctx context.Context, client *warpClient) error {
			return client.cancelTransferOpRequest(ctx, info)
		})
	case transfer.StatusStoppedBySender, transfer.StatusStoppedByReceiver:
		err = pc.call(ctx, func(ctx context.Context, client *warpClient) error {
			return client.stopTransfer(ctx, &StopInfo{Info: *info})
		})
	default:
		if !from.Active() {
			return
		}
		err = pc.call(ctx, func(ctx context.Context, client *warpClient) error {
			return client.stopTransfer(ctx, &StopInfo{Info: *info, Error: true})
		})
	}
	if err != nil {
		pc.log.WithError(err).WithField("op", op.startTime).Warn("Could not notify peer of op end")
	}
}

// checkIncoming runs the free space and overwrite checks for an inbound op
// entering WAITING_PERMISSION and auto-accepts when policy allows.
func (pc *PeerConnection) checkIncoming(op *TransferOp) (followUp, bool) {
	opts := pc.server.opts
	totalSize, _, topDirBasenames := op.descriptor()

	free, err := opts.Filesystem.FreeBytes()
	spaceKnown := err == nil
	if err != nil {
		pc.log.WithError(err).Warn("Free space check failed")
	}
	notEnoughSpace := spaceKnown && free < uint64(totalSize)
	conflicts := opts.Filesystem.Conflicts(topDirBasenames)
	op.setSpaceCheck(notEnoughSpace, conflicts)

	overwriteOK := len(conflicts) == 0 || opts.AllowOverwrite
	if opts.AutoAccept && spaceKnown && !notEnoughSpace && overwriteOK {
		return followUp{to: transfer.StatusTransferring, cause: causeLocal}, true
	}

	pc.publishOp(EventNewIncomingOp, op)
	return followUp{}, false
}

func (pc *PeerConnection) publishOp(kind EventKind, op *TransferOp) {
	snap := op.Snapshot()
	pc.server.notifier.publish(Event{Kind: kind, Peer: pc.Snapshot(), Op: &snap})
}

func (pc *PeerConnection) reportProgress(op *TransferOp, n int) {
	pc.markBusy()
	if op.addProgress(int64(n), pc.server.opts.ProgressInterval) {
		pc.publishOp(EventOpProgress, op)
	}
}
