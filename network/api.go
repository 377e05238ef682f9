package network

import (
	"errors"
	"fmt"

	"gowarp/transfer"
)

// Peers returns snapshots of every known peer.
func (s *LocalServer) Peers() []PeerSnapshot {
	conns := s.registry.all()
	out := make([]PeerSnapshot, 0, len(conns))
	for _, pc := range conns {
		out = append(out, pc.Snapshot())
	}
	sortPeers(out)
	return out
}

// Peer returns one peer's snapshot.
func (s *LocalServer) Peer(ident string) (PeerSnapshot, error) {
	pc, ok := s.registry.get(ident)
	if !ok {
		return PeerSnapshot{}, fmt.Errorf("%w: %s", ErrPeerNotFound, ident)
	}
	return pc.Snapshot(), nil
}

// Ops returns the ops exchanged with a peer in creation order.
func (s *LocalServer) Ops(ident string) ([]OpSnapshot, error) {
	pc, ok := s.registry.get(ident)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, ident)
	}
	return pc.Ops(), nil
}

// SendFiles enumerates paths and offers them to the peer. It returns once the
// permission request has been delivered or has failed; the op is kept either
// way.
func (s *LocalServer) SendFiles(ident string, paths []string) (OpSnapshot, error) {
	pc, ok := s.registry.get(ident)
	if !ok {
		return OpSnapshot{}, fmt.Errorf("%w: %s", ErrPeerNotFound, ident)
	}
	if pc.Status() != PeerOnline {
		return OpSnapshot{}, fmt.Errorf("%w: %s", ErrPeerNotOnline, ident)
	}

	remote := pc.Snapshot()
	name := remote.DisplayName
	if name == "" {
		name = remote.DisplayHostname
	}
	op := newOutboundOp(ident, pc.nextStartTime(), s.local, LookupName{ID: ident, ReadableName: name})
	pc.addOp(op)

	if err := pc.setOpStatus(op, transfer.StatusCalculating, "", causeLocal); err != nil {
		return op.Snapshot(), err
	}
	plan, err := transfer.Gather(paths)
	if err != nil {
		next := transfer.StatusFailedUnrecoverable
		if errors.Is(err, transfer.ErrFileNotFound) {
			next = transfer.StatusFileNotFound
		}
		_ = pc.setOpStatus(op, next, err.Error(), causeLocal)
		return op.Snapshot(), err
	}
	op.applyPlan(plan)

	if err := pc.setOpStatus(op, transfer.StatusWaitingPermission, "", causeLocal); err != nil {
		return op.Snapshot(), err
	}
	snap := op.Snapshot()
	if snap.Status == transfer.StatusFailed {
		return snap, errors.New(snap.ErrorMsg)
	}
	return snap, nil
}

// AcceptTransfer grants permission for an inbound op and starts receiving.
func (s *LocalServer) AcceptTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, transfer.DirectionInbound, func(pc *PeerConnection, op *TransferOp) error {
		return pc.setOpStatus(op, transfer.StatusTransferring, "", causeLocal)
	})
}

// DeclineTransfer refuses an inbound op.
func (s *LocalServer) DeclineTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, transfer.DirectionInbound, func(pc *PeerConnection, op *TransferOp) error {
		return pc.setOpStatus(op, transfer.StatusCancelledPermissionByReceiver, "", causeLocal)
	})
}

// CancelTransfer withdraws an op of either direction before it starts.
func (s *LocalServer) CancelTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, "", func(pc *PeerConnection, op *TransferOp) error {
		return pc.setOpStatus(op, transfer.CancelledBy(op.direction), "", causeLocal)
	})
}

// StopTransfer aborts a running op of either direction.
func (s *LocalServer) StopTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, "", func(pc *PeerConnection, op *TransferOp) error {
		return pc.setOpStatus(op, transfer.StoppedBy(op.direction), "", causeLocal)
	})
}

// RetryTransfer renegotiates a failed outbound op as a new attempt.
func (s *LocalServer) RetryTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, transfer.DirectionOutbound, func(pc *PeerConnection, op *TransferOp) error {
		if pc.Status() != PeerOnline {
			return fmt.Errorf("%w: %s", ErrPeerNotOnline, ident)
		}
		return pc.setOpStatus(op, transfer.StatusWaitingPermission, "", causeLocal)
	})
}

// PauseTransfer holds a running outbound op between chunks.
func (s *LocalServer) PauseTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, transfer.DirectionOutbound, func(pc *PeerConnection, op *TransferOp) error {
		return pc.setOpStatus(op, transfer.StatusPaused, "", causeLocal)
	})
}

// ResumeTransfer continues a paused outbound op.
func (s *LocalServer) ResumeTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, transfer.DirectionOutbound, func(pc *PeerConnection, op *TransferOp) error {
		if op.Status() != transfer.StatusPaused {
			return fmt.Errorf("%w: op is %s", ErrInvalidTransition, op.Status())
		}
		return pc.setOpStatus(op, transfer.StatusTransferring, "", causeLocal)
	})
}

// RemoveTransfer forgets a finished op.
func (s *LocalServer) RemoveTransfer(ident string, startTime int64) error {
	return s.act(ident, startTime, "", func(pc *PeerConnection, op *TransferOp) error {
		if st := op.Status(); !st.Terminal() {
			return fmt.Errorf("%w: op is %s", ErrInvalidTransition, st)
		}
		pc.removeOp(op)
		return nil
	})
}

func (s *LocalServer) act(ident string, startTime int64, direction transfer.Direction, fn func(*PeerConnection, *TransferOp) error) error {
	pc, ok := s.registry.get(ident)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, ident)
	}
	op, ok := pc.findOp(startTime, direction)
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrOpNotFound, ident, startTime)
	}
	return fn(pc, op)
}
