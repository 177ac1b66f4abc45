package storage

import (
	"fmt"
	"time"
)

// MessageRow is one chat message, owned by its author within a room.
// Append-only; the only mutation is a content edit bumping modified_at.
type MessageRow struct {
	UUID       string
	RoomUUID   string
	OwnerUUID  string
	Content    string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

const messageColumns = `uuid, room_uuid, owner_uuid, content, created_at, modified_at`

func scanMessage(row interface{ Scan(...any) error }) (MessageRow, error) {
	var m MessageRow
	var created, modified string
	if err := row.Scan(&m.UUID, &m.RoomUUID, &m.OwnerUUID, &m.Content, &created, &modified); err != nil {
		return MessageRow{}, err
	}
	m.CreatedAt = parseTime(created)
	m.ModifiedAt = parseTime(modified)
	return m, nil
}

// AppendMessage commits a message and bumps the room's activity timestamp in
// one transaction.
func (d *DB) AppendMessage(uuid, roomUUID, ownerUUID, content string) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.tx.Exec(
		`INSERT INTO messages (uuid, room_uuid, owner_uuid, content) VALUES (?, ?, ?, ?)`,
		uuid, roomUUID, ownerUUID, content); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.TouchRoom(roomUUID); err != nil {
		return err
	}
	return tx.Commit()
}

// EditMessage replaces a message's content, bumping only modified_at.
func (d *DB) EditMessage(uuid, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(
		`UPDATE messages SET content = ?, modified_at = CURRENT_TIMESTAMP WHERE uuid = ?`,
		content, uuid)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("edit message: %s not found", uuid)
	}
	return nil
}

// ListMessages returns a room's messages oldest first. limit <= 0 means all.
func (d *DB) ListMessages(roomUUID string, limit int) ([]MessageRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_uuid = ? ORDER BY created_at ASC, uuid ASC`
	args := []any{roomUUID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
