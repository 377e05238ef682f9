package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gowarp/transfer"
)

// serveTransfer streams an outbound op's files to the receiver that called
// StartTransfer. The returned status tells the receiver how the stream ended.
func (pc *PeerConnection) serveTransfer(op *TransferOp, stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	gate, err := pc.beginOutboundStream(op, cancel)
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "op %d is %s", op.startTime, op.Status())
	}

	sender := transfer.NewChunkSender(op.queuedFiles(), pc.server.opts.ChunkSizing, gate)
	sender.OnBytes = func(n int) {
		pc.reportProgress(op, n)
	}
	err = sender.Run(ctx, func(c transfer.Chunk) error {
		return stream.SendMsg(chunkToWire(c))
	})

	switch {
	case err == nil:
		if op.Status() == transfer.StatusPaused {
			// Paused after the last chunk went out.
			_ = pc.setOpStatus(op, transfer.StatusTransferring, "", causeStream)
		}
		_ = pc.setOpStatus(op, transfer.StatusFinished, "", causeStream)
		return nil

	case errors.Is(err, transfer.ErrCancelled) || ctx.Err() != nil:
		// A local or remote stop has already moved the op on; anything else
		// means the receiver went away.
		_ = pc.setOpStatus(op, transfer.StatusFailed, connectionLostMsg, causeConnection)
		switch op.Status() {
		case transfer.StatusStoppedBySender, transfer.StatusStoppedByReceiver:
			return status.Error(codes.Aborted, "transfer stopped")
		}
		return status.Error(codes.Unavailable, connectionLostMsg)

	case errors.Is(err, transfer.ErrFileNotFound):
		_ = pc.setOpStatus(op, transfer.StatusFileNotFound, err.Error(), causeStream)
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, transfer.ErrSourceUnreadable):
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, err.Error(), causeStream)
		return status.Error(codes.Internal, err.Error())

	default:
		if isTransient(err) || status.Code(err) == codes.Canceled {
			_ = pc.setOpStatus(op, transfer.StatusFailed, connectionLostMsg, causeConnection)
			return err
		}
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, err.Error(), causeStream)
		return status.Error(codes.Internal, err.Error())
	}
}

// receive pulls an accepted inbound op from the sender and writes it under
// the save root. It runs on its own goroutine; ctx is the op's cancellation
// token.
func (pc *PeerConnection) receive(ctx context.Context, op *TransferOp) {
	client := pc.currentClient()
	if client == nil {
		_ = pc.setOpStatus(op, transfer.StatusFailed, connectionLostMsg, causeConnection)
		return
	}

	opts := pc.server.opts
	receiver, err := transfer.NewChunkReceiver(transfer.ReceiverOptions{
		Root:              opts.Filesystem.SaveRoot(),
		StrictDirectories: opts.StrictDirectories,
	})
	if err != nil {
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, err.Error(), causeLocal)
		return
	}
	defer receiver.Close()

	stream, err := client.startTransfer(ctx, opInfo(pc.local(), op.startTime))
	if err != nil {
		pc.endReceive(op, err)
		return
	}

	for {
		msg := new(FileChunk)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			pc.endReceive(op, err)
			return
		}
		if err := receiver.Apply(chunkFromWire(msg)); err != nil {
			_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, err.Error(), causeLocal)
			return
		}
		pc.reportProgress(op, len(msg.Chunk))
	}

	if err := receiver.Finish(); err != nil {
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, err.Error(), causeLocal)
		return
	}
	_, totalCount, _ := op.descriptor()
	if done := receiver.FilesCompleted(); done != totalCount {
		msg := fmt.Sprintf("received %d of %d files", done, totalCount)
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, msg, causeLocal)
		return
	}
	if warnings := receiver.Warnings(); len(warnings) > 0 {
		op.setWarnings(warnings)
		_ = pc.setOpStatus(op, transfer.StatusFinishedWarning, strings.Join(warnings, "; "), causeStream)
		return
	}
	_ = pc.setOpStatus(op, transfer.StatusFinished, "", causeStream)
}

// endReceive maps a broken inbound stream to a terminal status. When the op
// was already stopped locally the transition is rejected and nothing happens.
func (pc *PeerConnection) endReceive(op *TransferOp, err error) {
	st := status.Convert(err)
	switch st.Code() {
	case codes.NotFound:
		_ = pc.setOpStatus(op, transfer.StatusFileNotFound, st.Message(), causeStream)
	case codes.Aborted:
		_ = pc.setOpStatus(op, transfer.StoppedBy(transfer.DirectionOutbound), "", causeStream)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		_ = pc.setOpStatus(op, transfer.StatusFailed, connectionLostMsg, causeConnection)
	default:
		_ = pc.setOpStatus(op, transfer.StatusFailedUnrecoverable, st.Message(), causeStream)
	}
}
