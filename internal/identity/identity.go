// Package identity owns the long-lived device keypair that authenticates
// this installation to claw gateways, plus the per-role session token cache.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const deviceFileName = "device.json"

// Identity is a device keypair with a stable content-addressed id.
// Immutable after load; regenerated only when the stored key material
// itself is unreadable.
type Identity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	dir string
}

type deviceFile struct {
	DeviceID   string `json:"device_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Fingerprint derives the device id from raw public key bytes. The hash
// covers the key bytes themselves, not any encoding wrapper, so the same
// key always yields the same id.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate loads the device identity from dir, generating a fresh
// keypair on first use. A stored device id that no longer matches the
// fingerprint of the stored public key is recomputed in place; the keys
// are never regenerated for a mismatched id.
func LoadOrCreate(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	path := filepath.Join(dir, deviceFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		ident, loadErr := parseDeviceFile(data)
		if loadErr == nil {
			ident.dir = dir
			if ident.DeviceID != Fingerprint(ident.PublicKey) {
				// Self-heal: the id diverged from the key, trust the key.
				ident.DeviceID = Fingerprint(ident.PublicKey)
				if saveErr := ident.save(path); saveErr != nil {
					slog.Warn("identity: could not persist healed device id", "error", saveErr)
				}
			}
			return ident, nil
		}
		slog.Warn("identity: stored device file unreadable, regenerating", "error", loadErr)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read device file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}
	ident := &Identity{
		DeviceID:   Fingerprint(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		dir:        dir,
	}
	if err := ident.save(path); err != nil {
		return nil, fmt.Errorf("persist device identity: %w", err)
	}
	return ident, nil
}

func parseDeviceFile(data []byte) (*Identity, error) {
	var df deviceFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("decode device file: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(df.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(df.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad key sizes: pub=%d priv=%d", len(pub), len(priv))
	}
	return &Identity{
		DeviceID:   df.DeviceID,
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
	}, nil
}

func (i *Identity) save(path string) error {
	df := deviceFile{
		DeviceID:   i.DeviceID,
		PublicKey:  base64.StdEncoding.EncodeToString(i.PublicKey),
		PrivateKey: base64.StdEncoding.EncodeToString(i.PrivateKey),
	}
	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Sign signs payload with the device private key and returns the signature
// in standard base64.
func (i *Identity) Sign(payload string) string {
	sig := ed25519.Sign(i.PrivateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// PublicKeyBase64 returns the raw public key bytes in standard base64,
// the encoding carried in the connect request's device block.
func (i *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}
