package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// RoomRow is one conversation, owned by its creator with a participant set.
// Rooms are never deleted; old rooms stay available for the rejoin flow.
type RoomRow struct {
	UUID       string
	Name       string
	OwnerUUID  string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

const roomColumns = `uuid, name, owner_uuid, created_at, modified_at`

func scanRoom(row interface{ Scan(...any) error }) (RoomRow, error) {
	var r RoomRow
	var created, modified string
	if err := row.Scan(&r.UUID, &r.Name, &r.OwnerUUID, &created, &modified); err != nil {
		return RoomRow{}, err
	}
	r.CreatedAt = parseTime(created)
	r.ModifiedAt = parseTime(modified)
	return r, nil
}

// GetRoom returns a room inside the transaction, or false if unknown.
func (t *Tx) GetRoom(uuid string) (RoomRow, bool, error) {
	r, err := scanRoom(t.tx.QueryRow(
		`SELECT `+roomColumns+` FROM rooms WHERE uuid = ?`, uuid))
	if err == sql.ErrNoRows {
		return RoomRow{}, false, nil
	}
	if err != nil {
		return RoomRow{}, false, fmt.Errorf("get room: %w", err)
	}
	return r, true, nil
}

// FindRoomsByPair returns every room whose owner/participant relationship
// connects the two identities, in either direction — room identity is the
// unordered pair, not who created it. Most recently active first; equal
// activity breaks ties by uuid so the order is deterministic.
func (t *Tx) FindRoomsByPair(a, b string) ([]RoomRow, error) {
	rows, err := t.tx.Query(`
		SELECT `+roomColumns+` FROM rooms r
		WHERE (r.owner_uuid = ? AND EXISTS (
				SELECT 1 FROM room_participants p WHERE p.room_uuid = r.uuid AND p.peer_uuid = ?))
		   OR (r.owner_uuid = ? AND EXISTS (
				SELECT 1 FROM room_participants p WHERE p.room_uuid = r.uuid AND p.peer_uuid = ?))
		ORDER BY r.modified_at DESC, r.uuid ASC`,
		a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("find rooms by pair: %w", err)
	}
	defer rows.Close()
	var out []RoomRow
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRoom creates a room. The owner must be added as a participant before
// commit; AddParticipant is a separate call so joins share the same path.
func (t *Tx) InsertRoom(uuid, name, ownerUUID string) error {
	_, err := t.tx.Exec(
		`INSERT INTO rooms (uuid, name, owner_uuid) VALUES (?, ?, ?)`,
		uuid, name, ownerUUID)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// AddParticipant adds a peer to a room. Adding an already-present
// participant is a no-op, which is what makes joins idempotent.
func (t *Tx) AddParticipant(roomUUID, peerUUID string) error {
	_, err := t.tx.Exec(
		`INSERT OR IGNORE INTO room_participants (room_uuid, peer_uuid) VALUES (?, ?)`,
		roomUUID, peerUUID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// TouchRoom bumps a room's modified_at.
func (t *Tx) TouchRoom(uuid string) error {
	_, err := t.tx.Exec(
		`UPDATE rooms SET modified_at = CURRENT_TIMESTAMP WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// GetRoomByUUID returns a room outside any transaction.
func (d *DB) GetRoomByUUID(uuid string) (RoomRow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, err := scanRoom(d.db.QueryRow(
		`SELECT `+roomColumns+` FROM rooms WHERE uuid = ?`, uuid))
	if err != nil {
		return RoomRow{}, false
	}
	return r, true
}

// Participants returns the participant uuids of a room.
func (d *DB) Participants(roomUUID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(
		`SELECT peer_uuid FROM room_participants WHERE room_uuid = ? ORDER BY peer_uuid`,
		roomUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRooms returns all rooms, most recently active first.
func (d *DB) ListRooms() ([]RoomRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(
		`SELECT ` + roomColumns + ` FROM rooms ORDER BY modified_at DESC, uuid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoomRow
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
