package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// PeerRow is the durable record of a known remote identity. Rows are created
// on first contact and never deleted; rediscovery and reconnection only
// update timestamps.
type PeerRow struct {
	UUID          string
	DisplayName   string
	CreatedAt     time.Time
	ModifiedAt    time.Time
	LastSeen      time.Time
	LastConnected *time.Time
}

const peerColumns = `uuid, display_name, created_at, modified_at, last_seen, last_connected`

func scanPeer(row interface{ Scan(...any) error }) (PeerRow, error) {
	var p PeerRow
	var created, modified, seen string
	var connected sql.NullString
	if err := row.Scan(&p.UUID, &p.DisplayName, &created, &modified, &seen, &connected); err != nil {
		return PeerRow{}, err
	}
	p.CreatedAt = parseTime(created)
	p.ModifiedAt = parseTime(modified)
	p.LastSeen = parseTime(seen)
	if connected.Valid {
		t := parseTime(connected.String)
		p.LastConnected = &t
	}
	return p, nil
}

// GetPeer returns a peer row inside the transaction, or false if unknown.
func (t *Tx) GetPeer(uuid string) (PeerRow, bool, error) {
	p, err := scanPeer(t.tx.QueryRow(
		`SELECT `+peerColumns+` FROM peers WHERE uuid = ?`, uuid))
	if err == sql.ErrNoRows {
		return PeerRow{}, false, nil
	}
	if err != nil {
		return PeerRow{}, false, fmt.Errorf("get peer: %w", err)
	}
	return p, true, nil
}

// InsertPeer creates a peer row on first contact.
func (t *Tx) InsertPeer(uuid, displayName string) error {
	_, err := t.tx.Exec(
		`INSERT INTO peers (uuid, display_name) VALUES (?, ?)`, uuid, displayName)
	if err != nil {
		return fmt.Errorf("insert peer: %w", err)
	}
	return nil
}

// EnsurePeer returns the peer row, creating it first if this is the first
// contact with that identity.
func (t *Tx) EnsurePeer(uuid, displayName string) (PeerRow, error) {
	p, ok, err := t.GetPeer(uuid)
	if err != nil {
		return PeerRow{}, err
	}
	if ok {
		return p, nil
	}
	if err := t.InsertPeer(uuid, displayName); err != nil {
		return PeerRow{}, err
	}
	p, _, err = t.GetPeer(uuid)
	return p, err
}

// TouchSeen upserts a peer on rediscovery: refreshes last_seen and the
// advertised display name. The created_at of an existing row is untouched.
func (d *DB) TouchSeen(uuid, displayName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peers (uuid, display_name) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name = '' THEN peers.display_name ELSE excluded.display_name END,
			last_seen    = CURRENT_TIMESTAMP,
			modified_at  = CURRENT_TIMESTAMP`,
		uuid, displayName)
	if err != nil {
		return fmt.Errorf("touch seen: %w", err)
	}
	return nil
}

// TouchConnected records a successful session establishment.
func (d *DB) TouchConnected(uuid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE peers SET last_connected = CURRENT_TIMESTAMP, modified_at = CURRENT_TIMESTAMP
		WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("touch connected: %w", err)
	}
	return nil
}

// GetPeerByUUID returns a peer outside any transaction.
func (d *DB) GetPeerByUUID(uuid string) (PeerRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, err := scanPeer(d.db.QueryRow(
		`SELECT `+peerColumns+` FROM peers WHERE uuid = ?`, uuid))
	if err != nil {
		return PeerRow{}, false
	}
	return p, true
}

// ListPeers returns all known peers, most recently seen first.
func (d *DB) ListPeers() ([]PeerRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(
		`SELECT ` + peerColumns + ` FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []PeerRow
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
