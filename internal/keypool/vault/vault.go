// Package vault seals raw secrets at rest with NaCl secretbox.
//
// A sealed blob is laid out as
//
//	len(version) | version | nonce(24) | secretbox(id 0x00 raw)
//
// Binding the record id inside the box means a blob copied onto another
// record fails to open.
package vault

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ahrav/keypool/internal/keypool/configuration"
	poolerrors "github.com/ahrav/keypool/internal/keypool/errors"
)

const nonceSize = 24

// Vault seals and opens raw secrets. It is safe for concurrent use.
type Vault struct {
	ring   *KeyRing
	logger *slog.Logger
}

// New creates a vault over a key ring.
func New(ring *KeyRing, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Vault{ring: ring, logger: logger.With("component", "vault")}
	v.logger.Info("vault initialized", slog.String("primary_key_version", ring.Primary().Version))
	return v
}

// FromConfig builds a vault from configured keys and/or a passphrase.
// Configured keys come first so an explicit key always seals.
func FromConfig(cfg configuration.VaultConfig, logger *slog.Logger) (*Vault, error) {
	var keys []Key
	if cfg.Keys != "" {
		parsed, err := ParseKeySpec(cfg.Keys)
		if err != nil {
			return nil, err
		}
		keys = append(keys, parsed...)
	}
	if cfg.Passphrase != "" {
		keys = append(keys, DeriveKey(cfg.Passphrase, cfg.Salt))
	}
	ring, err := NewKeyRing(keys, logger)
	if err != nil {
		return nil, err
	}
	return New(ring, logger), nil
}

// Seal encrypts raw for the record id using the primary key.
func (v *Vault) Seal(id, raw string) ([]byte, error) {
	key := v.ring.Primary()

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	msg := make([]byte, 0, len(id)+1+len(raw))
	msg = append(msg, id...)
	msg = append(msg, 0)
	msg = append(msg, raw...)

	out := make([]byte, 0, 1+len(key.Version)+nonceSize+len(msg)+secretbox.Overhead)
	out = append(out, byte(len(key.Version)))
	out = append(out, key.Version...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, msg, &nonce, &key.Data)
	return out, nil
}

// Open decrypts a blob sealed for id. Every failure wraps ErrVaultOpen.
func (v *Vault) Open(id string, blob []byte) (string, error) {
	if len(blob) < 1 {
		return "", fmt.Errorf("%w: empty blob", poolerrors.ErrVaultOpen)
	}
	vlen := int(blob[0])
	if len(blob) < 1+vlen+nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: blob too short", poolerrors.ErrVaultOpen)
	}
	version := string(blob[1 : 1+vlen])
	key, ok := v.ring.Lookup(version)
	if !ok {
		return "", fmt.Errorf("%w: unknown key version %q", poolerrors.ErrVaultOpen, version)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], blob[1+vlen:1+vlen+nonceSize])
	msg, ok := secretbox.Open(nil, blob[1+vlen+nonceSize:], &nonce, &key.Data)
	if !ok {
		return "", fmt.Errorf("%w: authentication failed", poolerrors.ErrVaultOpen)
	}

	boundID, raw, found := bytes.Cut(msg, []byte{0})
	if !found || string(boundID) != id {
		return "", fmt.Errorf("%w: blob not sealed for this record", poolerrors.ErrVaultOpen)
	}
	if version != v.ring.Primary().Version {
		v.logger.Debug("opened blob with non-primary key", slog.String("key_version", version))
	}
	return string(raw), nil
}
