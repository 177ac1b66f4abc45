package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	idFile := filepath.Join(dir, "identity.json")
	keyFile := filepath.Join(dir, "identity.key")

	id, isNew, err := LoadOrCreate(idFile, keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !isNew {
		t.Fatal("first run should create")
	}
	if id.UUID == "" || id.Key == nil {
		t.Fatalf("incomplete identity: %+v", id)
	}

	again, isNew, err := LoadOrCreate(idFile, keyFile)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if isNew {
		t.Fatal("second run should load")
	}
	if again.UUID != id.UUID {
		t.Fatalf("uuid changed across restarts: %s vs %s", again.UUID, id.UUID)
	}
	if !again.Key.Equals(id.Key) {
		t.Fatal("key changed across restarts")
	}
}

func TestCorruptUUIDFileRegenerated(t *testing.T) {
	dir := t.TempDir()
	idFile := filepath.Join(dir, "identity.json")
	keyFile := filepath.Join(dir, "identity.key")

	if _, _, err := LoadOrCreate(idFile, keyFile); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if err := os.WriteFile(idFile, []byte("{definitely not json"), 0644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	id, isNew, err := LoadOrCreate(idFile, keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate after corruption: %v", err)
	}
	if !isNew {
		t.Fatal("corrupt uuid file should count as a fresh identity")
	}
	if id.UUID == "" {
		t.Fatal("no uuid regenerated")
	}
}

func TestCorruptKeyFileRegenerated(t *testing.T) {
	dir := t.TempDir()
	idFile := filepath.Join(dir, "identity.json")
	keyFile := filepath.Join(dir, "identity.key")

	first, _, err := LoadOrCreate(idFile, keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte("garbage"), 0600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	second, _, err := LoadOrCreate(idFile, keyFile)
	if err != nil {
		t.Fatalf("LoadOrCreate after corruption: %v", err)
	}
	if second.Key.Equals(first.Key) {
		t.Fatal("corrupt key should have been replaced")
	}
	if second.UUID != first.UUID {
		t.Fatal("uuid file was intact and must survive")
	}
}
