package network

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gowarp/transfer"
)

const avatarChunkSize = 64 * 1024

// lookupPeer logs and reports false on a miss; handlers then reply empty.
func (s *LocalServer) lookupPeer(ident, method string) (*PeerConnection, bool) {
	pc, ok := s.registry.get(ident)
	if !ok {
		s.log.WithFields(logrus.Fields{"peer": ident, "method": method}).Debug("Call from unknown peer")
	}
	return pc, ok
}

func (s *LocalServer) lookupOp(info *OpInfo, direction transfer.Direction, method string) (*PeerConnection, *TransferOp, bool) {
	pc, ok := s.lookupPeer(info.Ident, method)
	if !ok {
		return nil, nil, false
	}
	op, ok := pc.findOp(info.Timestamp, direction)
	if !ok {
		pc.log.WithFields(logrus.Fields{"op": info.Timestamp, "method": method}).Debug("Call for unknown op")
		return pc, nil, false
	}
	return pc, op, true
}

func (s *LocalServer) ping(_ context.Context, in *LookupName) (*VoidType, error) {
	s.lookupPeer(in.ID, "Ping")
	return &VoidType{}, nil
}

func (s *LocalServer) checkDuplexConnection(_ context.Context, in *LookupName) (*HaveDuplex, error) {
	pc, ok := s.lookupPeer(in.ID, "CheckDuplexConnection")
	if !ok {
		return &HaveDuplex{}, nil
	}
	st := pc.Status()
	return &HaveDuplex{Response: st == PeerOnline || st == PeerAwaitingDuplex}, nil
}

func (s *LocalServer) getRemoteMachineInfo(_ context.Context, _ *LookupName) (*RemoteMachineInfo, error) {
	return &RemoteMachineInfo{
		DisplayName: s.opts.DisplayName,
		UserName:    s.opts.UserName,
	}, nil
}

func (s *LocalServer) getRemoteMachineAvatar(_ *LookupName, stream grpc.ServerStream) error {
	avatar := s.opts.Avatar
	if len(avatar) == 0 {
		return status.Error(codes.NotFound, "no avatar")
	}
	for start := 0; start < len(avatar); start += avatarChunkSize {
		end := min(start+avatarChunkSize, len(avatar))
		if err := stream.SendMsg(&RemoteMachineAvatar{AvatarChunk: avatar[start:end]}); err != nil {
			return err
		}
	}
	return nil
}

// processTransferOpRequest creates the inbound op for a new start time, or
// treats the request as a re-delivery when one exists.
func (s *LocalServer) processTransferOpRequest(_ context.Context, in *TransferOpRequest) (*VoidType, error) {
	pc, ok := s.lookupPeer(in.Info.Ident, "ProcessTransferOpRequest")
	if !ok {
		return &VoidType{}, nil
	}
	if in.Size < 0 || in.Count < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "op %d: negative size %d or count %d", in.Info.Timestamp, in.Size, in.Count)
	}

	pc.mu.Lock()
	op, exists := pc.findOpLocked(in.Info.Timestamp, transfer.DirectionInbound)
	if !exists {
		op = newInboundOp(in, s.opts.Ident)
		pc.ops = append(pc.ops, op)
	}
	snap := pc.snapshotLocked()
	pc.mu.Unlock()

	if !exists {
		s.notifier.publish(Event{Kind: EventOpsChanged, Peer: snap})
		_ = pc.setOpStatus(op, transfer.StatusWaitingPermission, "", causeRemote)
		return &VoidType{}, nil
	}

	entry := pc.log.WithField("op", op.startTime)
	switch current := op.Status(); current {
	case transfer.StatusWaitingPermission:
		entry.Debug("Permission request re-delivered")
		pc.publishOp(EventNewIncomingOp, op)
	case transfer.StatusFailed:
		entry.Info("Sender retried op")
		_ = pc.setOpStatus(op, transfer.StatusWaitingPermission, "", causeRemote)
	default:
		if current.Terminal() {
			return nil, status.Errorf(codes.FailedPrecondition, "op %d already %s", op.startTime, current)
		}
		entry.WithField("status", current).Debug("Ignoring permission request for op in progress")
	}
	return &VoidType{}, nil
}

func (s *LocalServer) cancelTransferOpRequest(_ context.Context, in *OpInfo) (*VoidType, error) {
	pc, op, ok := s.lookupOp(in, "", "CancelTransferOpRequest")
	if !ok {
		return &VoidType{}, nil
	}
	_ = pc.setOpStatus(op, transfer.CancelledBy(op.direction.Opposite()), "", causeRemote)
	return &VoidType{}, nil
}

func (s *LocalServer) startTransfer(in *OpInfo, stream grpc.ServerStream) error {
	pc, op, ok := s.lookupOp(in, transfer.DirectionOutbound, "StartTransfer")
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "no transfer op %d", in.Timestamp)
	}
	return pc.serveTransfer(op, stream)
}

func (s *LocalServer) stopTransfer(_ context.Context, in *StopInfo) (*VoidType, error) {
	pc, op, ok := s.lookupOp(&in.Info, "", "StopTransfer")
	if !ok {
		return &VoidType{}, nil
	}
	if in.Error {
		_ = pc.setOpStatus(op, transfer.StatusFailed, "transfer failed on the remote side", causeRemote)
	} else {
		_ = pc.setOpStatus(op, transfer.StoppedBy(op.direction.Opposite()), "", causeRemote)
	}
	return &VoidType{}, nil
}
