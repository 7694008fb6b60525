package crypto

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	if !bytes.Equal(key.Bytes(), restored.Bytes()) {
		t.Fatal("restored key differs")
	}
	if key.Address() != restored.Address() {
		t.Fatalf("address mismatch: %s vs %s", key.Address(), restored.Address())
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromHex("0x" + hex.EncodeToString(key.Bytes()))
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if key.Address() != restored.Address() {
		t.Fatal("hex round-trip changed the key")
	}
	if _, err := PrivateKeyFromHex("  "); err == nil {
		t.Fatal("expected error for blank key")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("keystore mode = %v, want 0600", info.Mode().Perm())
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if key.Address() != loaded.Address() {
		t.Fatal("keystore round-trip changed the key")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}
