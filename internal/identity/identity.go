// Package identity owns this installation's stable application identity: a
// UUID that survives restarts, plus the Ed25519 key that backs the transport
// identity. Both are created exactly once on first run and never regenerated
// while the files exist.
package identity

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/nearbychat/nearby/internal/util"
)

// Identity is the process-wide stable identity.
type Identity struct {
	UUID string
	Key  crypto.PrivKey
}

type idFileFormat struct {
	UUID string `json:"uuid"`
}

// LoadOrCreate loads the persisted identity, or generates and persists a new
// one on first run. Returns the identity and whether it was newly created.
// A corrupt UUID file is treated like a missing one, with a warning — the
// transport key file is authoritative for whether this is a fresh install.
func LoadOrCreate(idFile, keyFile string) (Identity, bool, error) {
	key, keyIsNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return Identity{}, false, err
	}

	id, idIsNew, err := loadOrCreateUUID(idFile)
	if err != nil {
		return Identity{}, false, err
	}

	return Identity{UUID: id, Key: key}, keyIsNew || idIsNew, nil
}

func loadOrCreateUUID(idFile string) (string, bool, error) {
	data, err := os.ReadFile(idFile)
	if err == nil {
		var f idFileFormat
		if jsonErr := json.Unmarshal(data, &f); jsonErr == nil {
			if _, parseErr := uuid.Parse(f.UUID); parseErr == nil {
				return f.UUID, false, nil
			}
		}
		log.Printf("WARNING: corrupt identity file at %s (generating new uuid)", idFile)
	}

	id := uuid.NewString()
	if err := util.WriteJSONFile(idFile, idFileFormat{UUID: id}); err != nil {
		return "", false, fmt.Errorf("save identity uuid: %w", err)
	}
	return id, true, nil
}

// loadOrCreateKey loads a persistent transport key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt transport key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal transport key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save transport key: %w", err)
	}

	return priv, true, nil
}
