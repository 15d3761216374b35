package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.DeviceID != Fingerprint(first.PublicKey) {
		t.Errorf("device id %q does not match key fingerprint", first.DeviceID)
	}
	if len(first.DeviceID) != 64 {
		t.Errorf("device id length = %d, want 64 hex chars", len(first.DeviceID))
	}

	second, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("device id changed across loads: %q vs %q", second.DeviceID, first.DeviceID)
	}
	if !second.PublicKey.Equal(first.PublicKey) {
		t.Error("public key changed across loads")
	}
}

func TestLoadOrCreateHealsMismatchedID(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	// Corrupt the stored id but leave the keys intact.
	path := filepath.Join(dir, deviceFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read device file: %v", err)
	}
	var df deviceFile
	if err := json.Unmarshal(data, &df); err != nil {
		t.Fatalf("decode device file: %v", err)
	}
	df.DeviceID = "bogus"
	data, _ = json.Marshal(df)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite device file: %v", err)
	}

	healed, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if healed.DeviceID != first.DeviceID {
		t.Errorf("healed id = %q, want %q", healed.DeviceID, first.DeviceID)
	}
	if !healed.PublicKey.Equal(first.PublicKey) {
		t.Error("keys regenerated for a mismatched id")
	}
}

func TestLoadOrCreateRegeneratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, deviceFileName)
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	ident, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if ident.DeviceID == "" {
		t.Error("expected a fresh identity after a corrupt file")
	}
}

func TestSignVerifies(t *testing.T) {
	ident, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	payload := "v2|dev|clawdeck|backend|operator||1700000000000||nonce"
	sig, err := base64.StdEncoding.DecodeString(ident.Sign(payload))
	if err != nil {
		t.Fatalf("signature not base64: %v", err)
	}
	if !ed25519.Verify(ident.PublicKey, []byte(payload), sig) {
		t.Error("signature does not verify against the device public key")
	}
}

func TestTokenCacheRoundTrip(t *testing.T) {
	ident, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if tok := ident.LoadToken("operator"); tok != nil {
		t.Fatalf("unexpected cached token: %+v", tok)
	}

	ident.StoreToken("operator", "tok-123", []string{"read", "write"})
	tok := ident.LoadToken("operator")
	if tok == nil || tok.Token != "tok-123" {
		t.Fatalf("cached token = %+v, want tok-123", tok)
	}
	if len(tok.Scopes) != 2 {
		t.Errorf("scopes = %v", tok.Scopes)
	}

	// Roles are isolated.
	if other := ident.LoadToken("viewer"); other != nil {
		t.Errorf("viewer role leaked operator token: %+v", other)
	}

	ident.ClearToken("operator")
	if tok := ident.LoadToken("operator"); tok != nil {
		t.Errorf("token survived ClearToken: %+v", tok)
	}
	// Clearing twice is fine.
	ident.ClearToken("operator")
}

func TestTokenPathSanitizesRole(t *testing.T) {
	ident, err := LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	ident.StoreToken("Op/era tor", "tok-1", nil)
	if tok := ident.LoadToken("Op/era tor"); tok == nil || tok.Token != "tok-1" {
		t.Errorf("sanitized role did not round-trip: %+v", tok)
	}
}
