// Package transfer implements the local half of a file transfer: enumerating
// the files to send, streaming them as ordered chunks, materialising received
// chunks on disk, and tracking progress. It never touches the network.
package transfer

// OpStatus is the lifecycle state of one transfer op.
type OpStatus string

const (
	StatusInit                          OpStatus = "INIT"
	StatusCalculating                   OpStatus = "CALCULATING"
	StatusWaitingPermission             OpStatus = "WAITING_PERMISSION"
	StatusCancelledPermissionBySender   OpStatus = "CANCELLED_PERMISSION_BY_SENDER"
	StatusCancelledPermissionByReceiver OpStatus = "CANCELLED_PERMISSION_BY_RECEIVER"
	StatusTransferring                  OpStatus = "TRANSFERRING"
	StatusPaused                        OpStatus = "PAUSED"
	StatusStoppedBySender               OpStatus = "STOPPED_BY_SENDER"
	StatusStoppedByReceiver             OpStatus = "STOPPED_BY_RECEIVER"
	StatusFailed                        OpStatus = "FAILED"
	StatusFailedUnrecoverable           OpStatus = "FAILED_UNRECOVERABLE"
	StatusFileNotFound                  OpStatus = "FILE_NOT_FOUND"
	StatusFinished                      OpStatus = "FINISHED"
	StatusFinishedWarning               OpStatus = "FINISHED_WARNING"
)

// Direction tells which role the local host plays in an op.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

var opTransitions = map[OpStatus][]OpStatus{
	StatusInit: {
		StatusCalculating,
		StatusWaitingPermission,
		StatusFailedUnrecoverable,
		StatusFileNotFound,
	},
	StatusCalculating: {
		StatusWaitingPermission,
		StatusFailed,
		StatusFailedUnrecoverable,
		StatusFileNotFound,
	},
	StatusWaitingPermission: {
		StatusCancelledPermissionBySender,
		StatusCancelledPermissionByReceiver,
		StatusTransferring,
		StatusFailed,
		StatusFailedUnrecoverable,
	},
	StatusTransferring: {
		StatusPaused,
		StatusStoppedBySender,
		StatusStoppedByReceiver,
		StatusFailed,
		StatusFailedUnrecoverable,
		StatusFileNotFound,
		StatusFinished,
		StatusFinishedWarning,
	},
	StatusPaused: {
		StatusTransferring,
		StatusStoppedBySender,
		StatusStoppedByReceiver,
		StatusFailed,
		StatusFailedUnrecoverable,
	},
	// Explicit retry re-enters negotiation.
	StatusFailed: {
		StatusWaitingPermission,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to OpStatus) bool {
	for _, next := range opTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further progress happens without user action.
func (s OpStatus) Terminal() bool {
	switch s {
	case StatusCancelledPermissionBySender,
		StatusCancelledPermissionByReceiver,
		StatusStoppedBySender,
		StatusStoppedByReceiver,
		StatusFailed,
		StatusFailedUnrecoverable,
		StatusFileNotFound,
		StatusFinished,
		StatusFinishedWarning:
		return true
	default:
		return false
	}
}

// Active reports whether chunks may currently be in flight for the op.
func (s OpStatus) Active() bool {
	return s == StatusTransferring || s == StatusPaused
}

// CancelledBy returns the cancel-before-start status for the role that
// initiated the cancel.
func CancelledBy(initiator Direction) OpStatus {
	if initiator == DirectionOutbound {
		return StatusCancelledPermissionBySender
	}
	return StatusCancelledPermissionByReceiver
}

// StoppedBy returns the stop-during-transfer status for the role that
// initiated the stop.
func StoppedBy(initiator Direction) OpStatus {
	if initiator == DirectionOutbound {
		return StatusStoppedBySender
	}
	return StatusStoppedByReceiver
}

// Opposite returns the role of the remote side.
func (d Direction) Opposite() Direction {
	if d == DirectionOutbound {
		return DirectionInbound
	}
	return DirectionOutbound
}
