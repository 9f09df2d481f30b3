// Package onion implements Tor v3 hidden-service address derivation and
// the on-disk key format Tor expects.
//
// A v3 address is base32(pubkey || checksum || version) where checksum is
// the first two bytes of SHA3-256(".onion checksum" || pubkey || version).
package onion

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// v3Version is the Tor v3 address version byte.
	v3Version = 0x03
	// checksumPrefix salts the address checksum.
	checksumPrefix = ".onion checksum"
)

// base32Lower is RFC 4648 lowercase without padding, as Tor renders
// addresses.
var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Address derives the v3 onion address (without the ".onion" suffix) for
// an Ed25519 public key.
func Address(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(checksumPrefix))
	h.Write(pub)
	h.Write([]byte{v3Version})
	checksum := h.Sum(nil)[:2]

	// pubkey (32) + checksum (2) + version (1)
	addr := make([]byte, 0, 35)
	addr = append(addr, pub...)
	addr = append(addr, checksum...)
	addr = append(addr, v3Version)
	return base32Lower.EncodeToString(addr)
}

// ValidPrefix reports whether every rune can appear in a base32 address.
func ValidPrefix(prefix string) bool {
	for _, c := range prefix {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return false
		}
	}
	return true
}

// expandSecret derives the expanded secret key Tor stores: SHA-512 of the
// seed with Ed25519 clamping applied to the scalar half.
func expandSecret(priv ed25519.PrivateKey) [64]byte {
	var expanded [64]byte
	h := sha512.Sum512(priv.Seed())
	copy(expanded[:], h[:])
	expanded[0] &= 248
	expanded[31] &= 127
	expanded[31] |= 64
	return expanded
}

// SaveKeys writes the hidden-service key material in Tor's directory
// layout: hs_ed25519_secret_key, hs_ed25519_public_key, and hostname,
// plus a JSON summary.
func SaveKeys(dir string, priv ed25519.PrivateKey, address string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	expanded := expandSecret(priv)
	secret := append([]byte("== ed25519v1-secret: type0 ==\x00\x00\x00"), expanded[:]...)
	if err := os.WriteFile(filepath.Join(dir, "hs_ed25519_secret_key"), secret, 0o600); err != nil {
		return err
	}

	pub := priv.Public().(ed25519.PublicKey)
	public := append([]byte("== ed25519v1-public: type0 ==\x00\x00\x00"), pub...)
	if err := os.WriteFile(filepath.Join(dir, "hs_ed25519_public_key"), public, 0o600); err != nil {
		return err
	}

	hostname := fmt.Sprintf("%s.onion\n", address)
	if err := os.WriteFile(filepath.Join(dir, "hostname"), []byte(hostname), 0o600); err != nil {
		return err
	}

	summary, err := json.MarshalIndent(map[string]string{
		"onion_address": address + ".onion",
		"generated_at":  time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "vanity_key.json"), summary, 0o600)
}
