package storage

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t *testing.T, db *DB, fn func(tx *Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func seedPair(t *testing.T, db *DB) {
	mustExec(t, db, func(tx *Tx) error {
		if _, err := tx.EnsurePeer("u1", "alice"); err != nil {
			return err
		}
		_, err := tx.EnsurePeer("u2", "bob")
		return err
	})
}

func TestEnsurePeerIdempotent(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, func(tx *Tx) error {
		if _, err := tx.EnsurePeer("u1", "alice"); err != nil {
			return err
		}
		_, err := tx.EnsurePeer("u1", "someone-else")
		return err
	})

	p, ok := db.GetPeerByUUID("u1")
	if !ok {
		t.Fatal("peer missing")
	}
	if p.DisplayName != "alice" {
		t.Fatalf("DisplayName = %q, first write should win inside EnsurePeer", p.DisplayName)
	}
}

func TestTouchSeenUpsert(t *testing.T) {
	db := openTestDB(t)

	if err := db.TouchSeen("u1", "alice"); err != nil {
		t.Fatalf("TouchSeen: %v", err)
	}
	if err := db.TouchSeen("u1", ""); err != nil {
		t.Fatalf("TouchSeen: %v", err)
	}

	p, ok := db.GetPeerByUUID("u1")
	if !ok {
		t.Fatal("peer missing")
	}
	if p.DisplayName != "alice" {
		t.Fatalf("empty rediscovery name must not clear the stored one, got %q", p.DisplayName)
	}

	if err := db.TouchSeen("u1", "alice2"); err != nil {
		t.Fatalf("TouchSeen: %v", err)
	}
	p, _ = db.GetPeerByUUID("u1")
	if p.DisplayName != "alice2" {
		t.Fatalf("DisplayName = %q, want alice2", p.DisplayName)
	}
}

func TestTouchConnected(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)

	p, _ := db.GetPeerByUUID("u1")
	if p.LastConnected != nil {
		t.Fatal("fresh peer should have no last_connected")
	}
	if err := db.TouchConnected("u1"); err != nil {
		t.Fatalf("TouchConnected: %v", err)
	}
	p, _ = db.GetPeerByUUID("u1")
	if p.LastConnected == nil {
		t.Fatal("last_connected should be set")
	}
}

func TestFindRoomsByPairSymmetry(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)

	mustExec(t, db, func(tx *Tx) error {
		if err := tx.InsertRoom("r1", "lunch", "u1"); err != nil {
			return err
		}
		if err := tx.AddParticipant("r1", "u1"); err != nil {
			return err
		}
		return tx.AddParticipant("r1", "u2")
	})

	forward := queryPair(t, db, "u1", "u2")
	backward := queryPair(t, db, "u2", "u1")
	if len(forward) != 1 || len(backward) != 1 {
		t.Fatalf("got %d/%d rooms, want 1/1", len(forward), len(backward))
	}
	if forward[0].UUID != backward[0].UUID {
		t.Fatal("pair lookup must be symmetric")
	}
}

func TestFindRoomsByPairDeterministicOrder(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)

	// Equal modified_at ties; uuid breaks the tie deterministically.
	mustExec(t, db, func(tx *Tx) error {
		for _, id := range []string{"r-b", "r-a", "r-c"} {
			if err := tx.InsertRoom(id, "room "+id, "u1"); err != nil {
				return err
			}
			if err := tx.AddParticipant(id, "u1"); err != nil {
				return err
			}
			if err := tx.AddParticipant(id, "u2"); err != nil {
				return err
			}
		}
		_, err := tx.tx.Exec(`UPDATE rooms SET modified_at = '2024-01-01 00:00:00'`)
		return err
	})

	rooms := queryPair(t, db, "u1", "u2")
	if len(rooms) != 3 {
		t.Fatalf("got %d rooms, want 3", len(rooms))
	}
	if rooms[0].UUID != "r-a" || rooms[1].UUID != "r-b" || rooms[2].UUID != "r-c" {
		t.Fatalf("order = %s, %s, %s", rooms[0].UUID, rooms[1].UUID, rooms[2].UUID)
	}
}

func TestAddParticipantIdempotent(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)

	mustExec(t, db, func(tx *Tx) error {
		if err := tx.InsertRoom("r1", "lunch", "u1"); err != nil {
			return err
		}
		if err := tx.AddParticipant("r1", "u1"); err != nil {
			return err
		}
		if err := tx.AddParticipant("r1", "u1"); err != nil {
			return err
		}
		return tx.AddParticipant("r1", "u2")
	})

	got, err := db.Participants("r1")
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("Participants = %v", got)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)
	mustExec(t, db, func(tx *Tx) error {
		if err := tx.InsertRoom("r1", "lunch", "u1"); err != nil {
			return err
		}
		if err := tx.AddParticipant("r1", "u1"); err != nil {
			return err
		}
		return tx.AddParticipant("r1", "u2")
	})

	if err := db.AppendMessage("m1", "r1", "u1", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := db.AppendMessage("m2", "r1", "u2", "hi back"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := db.ListMessages("r1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].UUID != "m1" || msgs[1].UUID != "m2" {
		t.Fatalf("order = %s, %s", msgs[0].UUID, msgs[1].UUID)
	}

	t.Run("limit", func(t *testing.T) {
		msgs, err := db.ListMessages("r1", 1)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].UUID != "m1" {
			t.Fatalf("limited list = %+v", msgs)
		}
	})
}

func TestEditMessage(t *testing.T) {
	db := openTestDB(t)
	seedPair(t, db)
	mustExec(t, db, func(tx *Tx) error {
		if err := tx.InsertRoom("r1", "lunch", "u1"); err != nil {
			return err
		}
		return tx.AddParticipant("r1", "u1")
	})
	if err := db.AppendMessage("m1", "r1", "u1", "helo"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := db.EditMessage("m1", "hello"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	msgs, _ := db.ListMessages("r1", 0)
	if msgs[0].Content != "hello" {
		t.Fatalf("Content = %q", msgs[0].Content)
	}

	if err := db.EditMessage("missing", "x"); err == nil {
		t.Fatal("editing a missing message should fail")
	}
}

func TestRollbackLeavesNothing(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := tx.EnsurePeer("u1", "alice"); err != nil {
		t.Fatalf("EnsurePeer: %v", err)
	}
	if err := tx.InsertRoom("r1", "lunch", "u1"); err != nil {
		t.Fatalf("InsertRoom: %v", err)
	}
	tx.Rollback()

	if _, ok := db.GetPeerByUUID("u1"); ok {
		t.Fatal("rolled-back peer should not exist")
	}
	if _, ok := db.GetRoomByUUID("r1"); ok {
		t.Fatal("rolled-back room should not exist")
	}
}

func queryPair(t *testing.T, db *DB, a, b string) []RoomRow {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	rooms, err := tx.FindRoomsByPair(a, b)
	if err != nil {
		t.Fatalf("FindRoomsByPair: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return rooms
}
