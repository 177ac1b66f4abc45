// Package reconcile decides room identity. Given "X wants to chat with Y" or
// an incoming invitation carrying room context, it finds the room the pair
// already shares, or creates one both sides will agree on. Every operation is
// a single transaction: a persistence failure rolls the whole thing back and
// leaves no partial room state behind.
package reconcile

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nearbychat/nearby/internal/storage"
)

// MaxRejoinCandidates caps how many old rooms are offered for rejoining.
const MaxRejoinCandidates = 3

// Result is the outcome of CreateOrReuseRoom.
type Result struct {
	// Room is the created room, or the most recently active reuse candidate.
	Room storage.RoomRow

	// Created is true when a brand-new room was allocated.
	Created bool

	// Candidates holds up to MaxRejoinCandidates existing rooms for the
	// pair, most recently active first. Empty when Created is true.
	Candidates []storage.RoomRow
}

// Reconciler serializes room reconciliation per unordered peer pair.
// Concurrent invitations for the same pair queue behind one another instead
// of racing the search-then-create sequence into duplicate rooms.
type Reconciler struct {
	db *storage.DB

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

func New(db *storage.DB) *Reconciler {
	return &Reconciler{
		db:    db,
		pairs: make(map[string]*sync.Mutex),
	}
}

// pairKey builds the unordered-pair lock key.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func (r *Reconciler) lockPair(a, b string) func() {
	key := pairKey(a, b)
	r.mu.Lock()
	m, ok := r.pairs[key]
	if !ok {
		m = &sync.Mutex{}
		r.pairs[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// CreateOrReuseRoom handles a locally initiated chat with a peer. If the pair
// already shares rooms, the most recent is returned along with up to
// MaxRejoinCandidates alternatives and nothing is created. Otherwise a fresh
// room is allocated: suppliedUUID is reused when a remote peer proposed one
// (so both sides' records name the same room), else a new uuid is generated.
// Missing peer records are created on the way (first contact).
func (r *Reconciler) CreateOrReuseRoom(ownerUUID, ownerName, peerUUID, peerName, roomName, suppliedUUID string) (Result, error) {
	if ownerUUID == "" || peerUUID == "" {
		return Result{}, fmt.Errorf("create or reuse room: missing peer identity")
	}

	unlock := r.lockPair(ownerUUID, peerUUID)
	defer unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	if _, err := tx.EnsurePeer(ownerUUID, ownerName); err != nil {
		return Result{}, err
	}
	if _, err := tx.EnsurePeer(peerUUID, peerName); err != nil {
		return Result{}, err
	}

	matches, err := tx.FindRoomsByPair(ownerUUID, peerUUID)
	if err != nil {
		return Result{}, err
	}
	if len(matches) > 0 {
		if err := tx.Commit(); err != nil {
			return Result{}, err
		}
		candidates := matches
		if len(candidates) > MaxRejoinCandidates {
			candidates = candidates[:MaxRejoinCandidates]
		}
		log.Printf("RECONCILE: reusing room %s for pair %s/%s (%d candidates)",
			candidates[0].UUID, ownerUUID, peerUUID, len(candidates))
		return Result{Room: candidates[0], Candidates: candidates}, nil
	}

	roomUUID := suppliedUUID
	if roomUUID == "" {
		roomUUID = uuid.NewString()
	}
	if err := tx.InsertRoom(roomUUID, roomName, ownerUUID); err != nil {
		return Result{}, err
	}
	if err := tx.AddParticipant(roomUUID, ownerUUID); err != nil {
		return Result{}, err
	}
	if err := tx.AddParticipant(roomUUID, peerUUID); err != nil {
		return Result{}, err
	}
	room, ok, err := tx.GetRoom(roomUUID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("create or reuse room: room %s vanished before commit", roomUUID)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	log.Printf("RECONCILE: created room %s (%q) owner %s with %s", roomUUID, roomName, ownerUUID, peerUUID)
	return Result{Room: room, Created: true}, nil
}

// ForceCreateRoom allocates a brand-new room even when rejoin candidates
// exist — the "start fresh anyway" choice next to the candidate list.
func (r *Reconciler) ForceCreateRoom(ownerUUID, ownerName, peerUUID, peerName, roomName string) (storage.RoomRow, error) {
	unlock := r.lockPair(ownerUUID, peerUUID)
	defer unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return storage.RoomRow{}, err
	}
	defer tx.Rollback()

	if _, err := tx.EnsurePeer(ownerUUID, ownerName); err != nil {
		return storage.RoomRow{}, err
	}
	if _, err := tx.EnsurePeer(peerUUID, peerName); err != nil {
		return storage.RoomRow{}, err
	}

	roomUUID := uuid.NewString()
	if err := tx.InsertRoom(roomUUID, roomName, ownerUUID); err != nil {
		return storage.RoomRow{}, err
	}
	if err := tx.AddParticipant(roomUUID, ownerUUID); err != nil {
		return storage.RoomRow{}, err
	}
	if err := tx.AddParticipant(roomUUID, peerUUID); err != nil {
		return storage.RoomRow{}, err
	}
	room, _, err := tx.GetRoom(roomUUID)
	if err != nil {
		return storage.RoomRow{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.RoomRow{}, err
	}
	return room, nil
}

// JoinRoom handles an invitation carrying room context. If the room is
// already known locally it is reused; otherwise it is created with the
// inviter's uuid, name and ownership so both sides agree on identity. The
// operation is idempotent: joining the same room twice changes nothing.
func (r *Reconciler) JoinRoom(roomUUID, roomName, ownerUUID, ownerName, selfUUID string) (storage.RoomRow, error) {
	if roomUUID == "" || ownerUUID == "" {
		return storage.RoomRow{}, fmt.Errorf("join room: missing room context")
	}

	unlock := r.lockPair(ownerUUID, selfUUID)
	defer unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return storage.RoomRow{}, err
	}
	defer tx.Rollback()

	if _, err := tx.EnsurePeer(ownerUUID, ownerName); err != nil {
		return storage.RoomRow{}, err
	}
	if _, err := tx.EnsurePeer(selfUUID, ""); err != nil {
		return storage.RoomRow{}, err
	}

	room, ok, err := tx.GetRoom(roomUUID)
	if err != nil {
		return storage.RoomRow{}, err
	}
	if !ok {
		if err := tx.InsertRoom(roomUUID, roomName, ownerUUID); err != nil {
			return storage.RoomRow{}, err
		}
		room, _, err = tx.GetRoom(roomUUID)
		if err != nil {
			return storage.RoomRow{}, err
		}
		log.Printf("RECONCILE: joined new room %s (%q) owned by %s", roomUUID, roomName, ownerUUID)
	}

	if err := tx.AddParticipant(roomUUID, ownerUUID); err != nil {
		return storage.RoomRow{}, err
	}
	if err := tx.AddParticipant(roomUUID, selfUUID); err != nil {
		return storage.RoomRow{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.RoomRow{}, err
	}

	return room, nil
}
