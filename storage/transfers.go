package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// terminalStatuses are the op statuses history pruning may delete.
var terminalStatuses = []string{
	"CANCELLED_PERMISSION_BY_SENDER",
	"CANCELLED_PERMISSION_BY_RECEIVER",
	"STOPPED_BY_SENDER",
	"STOPPED_BY_RECEIVER",
	"FAILED",
	"FAILED_UNRECOVERABLE",
	"FILE_NOT_FOUND",
	"FINISHED",
	"FINISHED_WARNING",
}

// RecordTransfer inserts or refreshes the history row of an op.
func (s *Store) RecordTransfer(t Transfer) error {
	if t.PeerIdent == "" {
		return errors.New("peer_ident is required")
	}
	if t.StartTime == 0 {
		return errors.New("start_time is required")
	}
	if err := validateDirection(t.Direction); err != nil {
		return err
	}
	if t.Status == "" {
		return errors.New("status is required")
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			peer_ident,
			start_time,
			direction,
			sender_name,
			receiver_name,
			description,
			total_size,
			total_count,
			status,
			error_msg,
			attempt,
			bytes_transferred,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_ident, start_time, direction) DO UPDATE SET
			sender_name = excluded.sender_name,
			receiver_name = excluded.receiver_name,
			description = excluded.description,
			total_size = excluded.total_size,
			total_count = excluded.total_count,
			status = excluded.status,
			error_msg = excluded.error_msg,
			attempt = excluded.attempt,
			bytes_transferred = excluded.bytes_transferred,
			updated_at = excluded.updated_at`,
		t.PeerIdent,
		t.StartTime,
		t.Direction,
		t.SenderName,
		t.ReceiverName,
		t.Description,
		t.TotalSize,
		t.TotalCount,
		t.Status,
		t.ErrorMsg,
		t.Attempt,
		t.BytesTransferred,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %s/%d: %w", t.PeerIdent, t.StartTime, err)
	}

	return nil
}

// GetTransfer fetches one history row.
func (s *Store) GetTransfer(peerIdent string, startTime int64, direction string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE peer_ident = ? AND start_time = ? AND direction = ?`,
		peerIdent,
		startTime,
		direction,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %s/%d: %w", peerIdent, startTime, err)
	}
	return t, nil
}

// ListTransfers returns history newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	var (
		where []string
		args  []any
	)
	if filter.PeerIdent != "" {
		where = append(where, "peer_ident = ?")
		args = append(args, filter.PeerIdent)
	}
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, direction"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// DeleteTransfer forgets one history row.
func (s *Store) DeleteTransfer(peerIdent string, startTime int64, direction string) error {
	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE peer_ident = ? AND start_time = ? AND direction = ?`,
		peerIdent,
		startTime,
		direction,
	)
	if err != nil {
		return fmt.Errorf("delete transfer %s/%d: %w", peerIdent, startTime, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete transfer %s/%d: %w", peerIdent, startTime, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneTransfers deletes terminal history rows last updated before cutoff
// (unix millis) and returns how many went.
func (s *Store) PruneTransfers(cutoffTimestamp int64) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminalStatuses)), ",")
	args := make([]any, 0, len(terminalStatuses)+1)
	args = append(args, cutoffTimestamp)
	for _, st := range terminalStatuses {
		args = append(args, st)
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE updated_at < ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune transfers: %w", err)
	}
	return pruned, nil
}

const transferColumns = `
			peer_ident,
			start_time,
			direction,
			sender_name,
			receiver_name,
			description,
			total_size,
			total_count,
			status,
			error_msg,
			attempt,
			bytes_transferred,
			updated_at`

func scanTransfer(row scanner) (*Transfer, error) {
	var t Transfer
	if err := row.Scan(
		&t.PeerIdent,
		&t.StartTime,
		&t.Direction,
		&t.SenderName,
		&t.ReceiverName,
		&t.Description,
		&t.TotalSize,
		&t.TotalCount,
		&t.Status,
		&t.ErrorMsg,
		&t.Attempt,
		&t.BytesTransferred,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
