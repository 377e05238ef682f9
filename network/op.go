package network

import (
	"context"
	"sync"
	"time"

	"gowarp/transfer"
)

// TransferOp is one negotiated transfer attempt with a peer, in either
// direction. Status changes go through PeerConnection.setOpStatus only.
type TransferOp struct {
	// transitionMu serialises each status change together with its side effects.
	transitionMu sync.Mutex

	peerIdent     string
	startTime     int64
	direction     transfer.Direction
	senderIdent   string
	receiverIdent string

	mu sync.Mutex
	// Descriptor fields. Inbound ops get them from the request, outbound ops
	// once CALCULATING completes.
	senderName      string
	receiverName    string
	totalSize       int64
	totalCount      int
	nameIfSingle    string
	mimeIfSingle    string
	topDirBasenames []string
	files           []transfer.QueuedFile

	status         transfer.OpStatus
	errorMsg       string
	notEnoughSpace bool
	conflicts      []string
	warnings       []string
	attempt        int
	cancel         context.CancelFunc
	gate           *transfer.PauseGate
	tracker        *transfer.ProgressTracker
	lastProgress   time.Time
}

func newOutboundOp(peerIdent string, startTime int64, local, remote LookupName) *TransferOp {
	return &TransferOp{
		peerIdent:     peerIdent,
		startTime:     startTime,
		direction:     transfer.DirectionOutbound,
		senderIdent:   local.ID,
		senderName:    local.ReadableName,
		receiverIdent: remote.ID,
		receiverName:  remote.ReadableName,
		status:        transfer.StatusInit,
		attempt:       1,
	}
}

func newInboundOp(req *TransferOpRequest, localIdent string) *TransferOp {
	return &TransferOp{
		peerIdent:       req.Info.Ident,
		startTime:       req.Info.Timestamp,
		direction:       transfer.DirectionInbound,
		senderIdent:     req.Info.Ident,
		senderName:      req.SenderName,
		receiverIdent:   localIdent,
		receiverName:    req.ReceiverName,
		totalSize:       req.Size,
		totalCount:      req.Count,
		nameIfSingle:    req.NameIfSingle,
		mimeIfSingle:    req.MimeIfSingle,
		topDirBasenames: append([]string(nil), req.TopDirBasenames...),
		status:          transfer.StatusInit,
		attempt:         1,
	}
}

// StartTime is the op's correlation key within its peer.
func (op *TransferOp) StartTime() int64 { return op.startTime }

// Direction reports which role the local host plays.
func (op *TransferOp) Direction() transfer.Direction { return op.direction }

// Status returns the current status.
func (op *TransferOp) Status() transfer.OpStatus {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// Snapshot copies the op's observable state.
func (op *TransferOp) Snapshot() OpSnapshot {
	op.mu.Lock()
	defer op.mu.Unlock()
	snap := OpSnapshot{
		PeerIdent:       op.peerIdent,
		StartTime:       op.startTime,
		Direction:       op.direction,
		SenderIdent:     op.senderIdent,
		SenderName:      op.senderName,
		ReceiverIdent:   op.receiverIdent,
		ReceiverName:    op.receiverName,
		TotalSize:       op.totalSize,
		TotalCount:      op.totalCount,
		Description:     op.descriptionLocked(),
		NameIfSingle:    op.nameIfSingle,
		MimeIfSingle:    op.mimeIfSingle,
		TopDirBasenames: append([]string(nil), op.topDirBasenames...),
		Status:          op.status,
		ErrorMsg:        op.errorMsg,
		NotEnoughSpace:  op.notEnoughSpace,
		Conflicts:       append([]string(nil), op.conflicts...),
		Warnings:        append([]string(nil), op.warnings...),
		Attempt:         op.attempt,
	}
	if op.tracker != nil {
		snap.Progress = op.tracker.Report()
	}
	return snap
}

func (op *TransferOp) descriptionLocked() string {
	return transfer.Plan{NameIfSingle: op.nameIfSingle, TopDirBasenames: op.topDirBasenames}.Description()
}

func (op *TransferOp) applyPlan(plan transfer.Plan) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.totalSize = plan.TotalSize
	op.totalCount = plan.TotalCount
	op.nameIfSingle = plan.NameIfSingle
	op.mimeIfSingle = plan.MimeIfSingle
	op.topDirBasenames = append([]string(nil), plan.TopDirBasenames...)
	op.files = plan.Files
}

func (op *TransferOp) queuedFiles() []transfer.QueuedFile {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.files
}

func (op *TransferOp) descriptor() (totalSize int64, totalCount int, topDirBasenames []string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.totalSize, op.totalCount, append([]string(nil), op.topDirBasenames...)
}

func opInfo(local LookupName, startTime int64) *OpInfo {
	return &OpInfo{
		Ident:        local.ID,
		Timestamp:    startTime,
		ReadableName: local.ReadableName,
	}
}

func (op *TransferOp) request(local LookupName) *TransferOpRequest {
	op.mu.Lock()
	defer op.mu.Unlock()
	return &TransferOpRequest{
		Info:            *opInfo(local, op.startTime),
		SenderName:      op.senderName,
		Receiver:        op.receiverIdent,
		ReceiverName:    op.receiverName,
		Size:            op.totalSize,
		Count:           op.totalCount,
		NameIfSingle:    op.nameIfSingle,
		MimeIfSingle:    op.mimeIfSingle,
		TopDirBasenames: append([]string(nil), op.topDirBasenames...),
	}
}

// setStatus records a transition. FAILED -> WAITING_PERMISSION starts a new
// attempt and drops the previous attempt's state.
func (op *TransferOp) setStatus(from, to transfer.OpStatus, msg string) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.status = to
	op.errorMsg = msg
	if from == transfer.StatusFailed && to == transfer.StatusWaitingPermission {
		op.attempt++
		op.warnings = nil
		op.notEnoughSpace = false
		op.conflicts = nil
		op.tracker = nil
	}
}

// beginStream installs the cancellation token and progress state for a new
// streaming attempt.
func (op *TransferOp) beginStream(cancel context.CancelFunc) *transfer.PauseGate {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.cancel = cancel
	op.gate = transfer.NewPauseGate()
	op.tracker = transfer.NewProgressTracker(op.totalSize)
	op.warnings = nil
	op.lastProgress = time.Time{}
	return op.gate
}

// cancelStream fires the cancellation token, if any. Safe to call repeatedly.
func (op *TransferOp) cancelStream() {
	op.mu.Lock()
	cancel := op.cancel
	op.cancel = nil
	gate := op.gate
	op.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if gate != nil {
		gate.Resume()
	}
}

func (op *TransferOp) pauseGate() *transfer.PauseGate {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.gate
}

// addProgress records n bytes and reports whether a progress event is due.
func (op *TransferOp) addProgress(n int64, interval time.Duration) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.tracker == nil {
		return false
	}
	op.tracker.Add(n)
	now := time.Now()
	if now.Sub(op.lastProgress) < interval {
		return false
	}
	op.lastProgress = now
	return true
}

func (op *TransferOp) setWarnings(warnings []string) {
	op.mu.Lock()
	op.warnings = warnings
	op.mu.Unlock()
}

func (op *TransferOp) setSpaceCheck(notEnoughSpace bool, conflicts []string) {
	op.mu.Lock()
	op.notEnoughSpace = notEnoughSpace
	op.conflicts = conflicts
	op.mu.Unlock()
}
