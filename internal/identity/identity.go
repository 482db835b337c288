// ABOUTME: Persistent Ed25519 device identity with SHA-256 fingerprint derivation
// ABOUTME: Handles load-or-create, fingerprint migration, and atomic 0600 file writes

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Identity is a device keypair plus its derived fingerprint. DeviceID is
// always re-derivable from Public; LoadOrCreate enforces that invariant.
type Identity struct {
	DeviceID string
	Public   ed25519.PublicKey
	Private  ed25519.PrivateKey
}

// deviceFile is the persisted on-disk representation.
type deviceFile struct {
	Version       int    `json:"version"`
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// Fingerprint returns the lowercase hex SHA-256 digest of the raw 32-byte
// public key. This is the device ID the gateway verifies signatures against,
// so the input must be the raw key, not its SPKI encoding.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate reads the device identity at path, creating one if absent.
// A stored record whose fingerprint disagrees with the one derived from its
// own public key is rewritten in place with the corrected value. A record
// that cannot be parsed is replaced with a fresh identity rather than
// surfacing an error; identity churn is preferred over a crash here.
func LoadOrCreate(path string) (*Identity, error) {
	logger := slog.Default().With("component", "identity")

	if data, err := os.ReadFile(path); err == nil {
		if id, migrate, ok := parseStored(data); ok {
			if migrate {
				logger.Info("migrating device fingerprint", "device_id", id.DeviceID)
				if err := write(path, id); err != nil {
					return nil, fmt.Errorf("rewriting device identity: %w", err)
				}
			}
			return id, nil
		}
		logger.Warn("device identity file unreadable, generating a new identity", "path", path)
	}

	id, err := generate()
	if err != nil {
		return nil, fmt.Errorf("generating device identity: %w", err)
	}
	if err := write(path, id); err != nil {
		return nil, fmt.Errorf("writing device identity: %w", err)
	}
	logger.Info("created device identity", "device_id", id.DeviceID, "path", path)
	return id, nil
}

// parseStored decodes a persisted record. It returns the identity, whether
// the record needs a fingerprint migration written back, and whether the
// record was usable at all.
func parseStored(data []byte) (*Identity, bool, bool) {
	var stored deviceFile
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, false, false
	}
	if stored.Version != 1 || stored.DeviceID == "" || stored.PublicKeyPem == "" || stored.PrivateKeyPem == "" {
		return nil, false, false
	}

	pub, err := parsePublicKeyPEM(stored.PublicKeyPem)
	if err != nil {
		return nil, false, false
	}
	priv, err := parsePrivateKeyPEM(stored.PrivateKeyPem)
	if err != nil {
		return nil, false, false
	}

	id := &Identity{DeviceID: Fingerprint(pub), Public: pub, Private: priv}
	return id, id.DeviceID != stored.DeviceID, true
}

func generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: Fingerprint(pub), Public: pub, Private: priv}, nil
}

// write persists the identity atomically with owner-only permissions so a
// concurrent reader never observes a partially written record.
func write(path string, id *Identity) error {
	pubPEM, err := marshalPublicKeyPEM(id.Public)
	if err != nil {
		return err
	}
	privPEM, err := marshalPrivateKeyPEM(id.Private)
	if err != nil {
		return err
	}

	stored := deviceFile{
		Version:       1,
		DeviceID:      id.DeviceID,
		PublicKeyPem:  pubPEM,
		PrivateKeyPem: privPEM,
		CreatedAtMs:   time.Now().UnixMilli(),
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".device-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

func marshalPublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func marshalPrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func parsePublicKeyPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return pub, nil
}

func parsePrivateKeyPEM(s string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}
