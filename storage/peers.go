package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeer records the latest machine info for a peer. The added timestamp
// of an existing row is kept.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.Ident == "" {
		return errors.New("ident is required")
	}
	if strings.TrimSpace(peer.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			ident,
			hostname,
			display_name,
			user_name,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ident) DO UPDATE SET
			hostname = excluded.hostname,
			display_name = excluded.display_name,
			user_name = excluded.user_name,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, peers.last_seen_timestamp),
			last_known_ip = COALESCE(excluded.last_known_ip, peers.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port)`,
		peer.Ident,
		peer.Hostname,
		peer.DisplayName,
		peer.UserName,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		nullString(peer.LastKnownIP),
		nullInt64FromInt(peer.LastKnownPort),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Ident, err)
	}

	return nil
}

// GetPeer fetches a peer by ident.
func (s *Store) GetPeer(ident string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			ident,
			hostname,
			display_name,
			user_name,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		WHERE ident = ?`,
		ident,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", ident, err)
	}

	return peer, nil
}

// ListPeers returns all cached peers, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			ident,
			hostname,
			display_name,
			user_name,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		FROM peers
		ORDER BY COALESCE(last_seen_timestamp, added_timestamp) DESC, ident`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// RemovePeer deletes a peer and its transfer history.
func (s *Store) RemovePeer(ident string) error {
	if ident == "" {
		return errors.New("ident is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin remove peer %q: %w", ident, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM peers WHERE ident = ?`, ident)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", ident, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove peer %q: %w", ident, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM transfers WHERE peer_ident = ?`, ident); err != nil {
		return fmt.Errorf("remove transfers of peer %q: %w", ident, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove peer %q: %w", ident, err)
	}
	return nil
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		lastSeen sql.NullInt64
		lastIP   sql.NullString
		lastPort sql.NullInt64
	)
	if err := row.Scan(
		&peer.Ident,
		&peer.Hostname,
		&peer.DisplayName,
		&peer.UserName,
		&peer.AddedTimestamp,
		&lastSeen,
		&lastIP,
		&lastPort,
	); err != nil {
		return nil, err
	}

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	peer.LastKnownIP = stringPtr(lastIP)
	peer.LastKnownPort = intPtrFromNullInt64(lastPort)
	return &peer, nil
}
