package onion

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_Shape(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	addr := Address(pub)

	// 35 bytes -> 56 base32 chars, lowercase, no padding.
	assert.Len(t, addr, 56)
	assert.Regexp(t, regexp.MustCompile(`^[a-z2-7]+$`), addr)
}

func TestAddress_Deterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	assert.Equal(t, Address(pub), Address(pub))

	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, Address(pub), Address(pub2))
}

func TestValidPrefix(t *testing.T) {
	assert.True(t, ValidPrefix("sigil"))
	assert.True(t, ValidPrefix("abc237"))
	assert.True(t, ValidPrefix(""))

	// 0, 1, 8, 9 and uppercase never appear in base32 addresses.
	assert.False(t, ValidPrefix("sigil1"))
	assert.False(t, ValidPrefix("zero0"))
	assert.False(t, ValidPrefix("SIGIL"))
	assert.False(t, ValidPrefix("under_score"))
}

func TestSaveKeys_TorLayout(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	addr := Address(pub)
	dir := filepath.Join(t.TempDir(), "keys")

	require.NoError(t, SaveKeys(dir, priv, addr))

	secret, err := os.ReadFile(filepath.Join(dir, "hs_ed25519_secret_key"))
	require.NoError(t, err)
	assert.Len(t, secret, 32+64)
	assert.Equal(t, "== ed25519v1-secret: type0 ==\x00\x00\x00", string(secret[:32]))
	// Clamping per Ed25519: low 3 bits cleared, high bit cleared, bit 254 set.
	scalar := secret[32:64]
	assert.Zero(t, scalar[0]&7)
	assert.Zero(t, scalar[31]&128)
	assert.Equal(t, byte(64), scalar[31]&64)

	public, err := os.ReadFile(filepath.Join(dir, "hs_ed25519_public_key"))
	require.NoError(t, err)
	assert.Len(t, public, 32+32)
	assert.Equal(t, []byte(pub), public[32:])

	hostname, err := os.ReadFile(filepath.Join(dir, "hostname"))
	require.NoError(t, err)
	assert.Equal(t, addr+".onion\n", string(hostname))
}
