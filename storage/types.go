package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	directionOutbound = "outbound"
	directionInbound  = "inbound"
)

// Peer is the cached view of a remote machine, refreshed whenever its
// machine info is fetched.
type Peer struct {
	Ident             string
	Hostname          string
	DisplayName       string
	UserName          string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	LastKnownIP       *string
	LastKnownPort     *int
}

// Transfer is one row of transfer history, keyed like the live op.
type Transfer struct {
	PeerIdent        string
	StartTime        int64
	Direction        string
	SenderName       string
	ReceiverName     string
	Description      string
	TotalSize        int64
	TotalCount       int
	Status           string
	ErrorMsg         string
	Attempt          int
	BytesTransferred int64
	UpdatedAt        int64
}

// TransferFilter narrows ListTransfers. Zero values match everything.
type TransferFilter struct {
	PeerIdent string
	Direction string
	Limit     int
	Offset    int
}

func validateDirection(direction string) error {
	switch direction {
	case directionOutbound, directionInbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
