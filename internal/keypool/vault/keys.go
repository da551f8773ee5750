package vault

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KeySize is the secretbox key size in bytes.
const KeySize = 32

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
)

// PassphraseVersion is the key version assigned to a passphrase-derived key.
const PassphraseVersion = "pass"

// Key is one versioned sealing key.
type Key struct {
	Version string
	Data    [KeySize]byte
}

// KeyRing holds every key that may open a blob. The first key seals.
type KeyRing struct {
	keys    map[string]*Key
	primary *Key
}

// NewKeyRing builds a ring from keys in priority order.
func NewKeyRing(keys []Key, logger *slog.Logger) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one vault key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ring := &KeyRing{keys: make(map[string]*Key, len(keys))}
	for i := range keys {
		k := keys[i]
		if k.Version == "" || len(k.Version) > 255 {
			return nil, fmt.Errorf("vault key %d: version must be 1-255 bytes", i)
		}
		if _, dup := ring.keys[k.Version]; dup {
			return nil, fmt.Errorf("vault key version %q configured twice", k.Version)
		}
		ring.keys[k.Version] = &k
		if i == 0 {
			ring.primary = &k
		}
		logger.Debug("loaded vault key",
			slog.String("version", k.Version),
			slog.Bool("is_primary", i == 0),
		)
	}
	return ring, nil
}

// Primary returns the sealing key.
func (r *KeyRing) Primary() *Key { return r.primary }

// Lookup returns the key for version, if configured.
func (r *KeyRing) Lookup(version string) (*Key, bool) {
	k, ok := r.keys[version]
	return k, ok
}

// ParseKeySpec parses a comma separated list of version:base64key entries.
func ParseKeySpec(spec string) ([]Key, error) {
	var keys []Key
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, encoded, ok := strings.Cut(entry, ":")
		if !ok || version == "" {
			return nil, fmt.Errorf("vault key entry must be version:base64key")
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("vault key %s: invalid base64: %w", version, err)
		}
		if len(raw) != KeySize {
			return nil, fmt.Errorf("vault key %s: must be %d bytes, got %d", version, KeySize, len(raw))
		}
		k := Key{Version: version}
		copy(k.Data[:], raw)
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no vault keys in spec")
	}
	return keys, nil
}

// DeriveKey stretches a passphrase into a sealing key with Argon2id.
func DeriveKey(passphrase, salt string) Key {
	k := Key{Version: PassphraseVersion}
	copy(k.Data[:], argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize))
	return k
}
