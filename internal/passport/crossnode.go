package passport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
)

// CrossNodeConfig carries the signing identity and trust set for inter-node
// handoffs.
type CrossNodeConfig struct {
	// NodeID is this node's identity, embedded in every minted token.
	NodeID string
	// TokenTTL bounds a minted token's lifetime. Cross-node tokens are
	// meant for an immediate redirect, so this stays short.
	TokenTTL time.Duration
	// PrivateKeyPath points at a 32-byte Ed25519 seed file. Empty means an
	// ephemeral key is generated at startup.
	PrivateKeyPath string
	// PeerPubKeys maps node id to base64url-encoded public key.
	PeerPubKeys map[string]string
}

// DefaultCrossNodeConfig returns the production defaults.
func DefaultCrossNodeConfig(nodeID string) CrossNodeConfig {
	return CrossNodeConfig{
		NodeID:   nodeID,
		TokenTTL: 30 * time.Second,
	}
}

// CrossNode mints and validates Ed25519-signed handoff tokens.
//
// Token wire format: base64url(target:expiry:issuer:sig_b64). The signed
// payload is the first three fields joined by colons.
type CrossNode struct {
	cfg     CrossNodeConfig
	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey

	mu       sync.RWMutex
	peerKeys map[string]ed25519.PublicKey
}

// HandoffClaims is the verified content of a cross-node token.
type HandoffClaims struct {
	Target string
	Expiry int64
	Issuer string
}

// NewCrossNode loads the signing key (or generates an ephemeral one) and
// parses the configured peer keys.
func NewCrossNode(cfg CrossNodeConfig) (*CrossNode, error) {
	var priv ed25519.PrivateKey
	if cfg.PrivateKeyPath != "" {
		seed, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindConfig, "read passport key", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, errdefs.New(errdefs.KindConfig,
				fmt.Sprintf("passport key must be %d bytes, got %d", ed25519.SeedSize, len(seed)))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	} else {
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, "generate passport key", err)
		}
		slog.Warn("Using ephemeral passport key (will change on restart)")
	}

	cn := &CrossNode{
		cfg:      cfg,
		signKey:  priv,
		pubKey:   priv.Public().(ed25519.PublicKey),
		peerKeys: make(map[string]ed25519.PublicKey),
	}
	for nodeID, b64 := range cfg.PeerPubKeys {
		if err := cn.AddPeerKey(nodeID, b64); err != nil {
			return nil, err
		}
	}
	return cn, nil
}

// NodeID returns this node's identity.
func (c *CrossNode) NodeID() string { return c.cfg.NodeID }

// PublicKeyB64 returns this node's public key, base64url without padding,
// for distribution to peers.
func (c *CrossNode) PublicKeyB64() string {
	return base64.RawURLEncoding.EncodeToString(c.pubKey)
}

// AddPeerKey registers a peer's public key at runtime.
func (c *CrossNode) AddPeerKey(nodeID, pubKeyB64 string) error {
	raw, err := base64.RawURLEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, "decode peer public key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return errdefs.New(errdefs.KindInvalidInput,
			fmt.Sprintf("peer public key for %s must be %d bytes", nodeID, ed25519.PublicKeySize))
	}

	c.mu.Lock()
	c.peerKeys[nodeID] = ed25519.PublicKey(raw)
	c.mu.Unlock()

	slog.Info("Added peer public key", "node_id", nodeID)
	return nil
}

// Mint issues a signed handoff token bound to the target node.
func (c *CrossNode) Mint(targetNode string) (string, error) {
	expiry := time.Now().Unix() + int64(c.cfg.TokenTTL.Seconds())
	payload := fmt.Sprintf("%s:%d:%s", targetNode, expiry, c.cfg.NodeID)

	sig := ed25519.Sign(c.signKey, []byte(payload))
	token := payload + ":" + base64.RawURLEncoding.EncodeToString(sig)

	slog.Debug("Issued handoff token", "target", targetNode, "expiry", expiry)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Validate checks a handoff token presented to this node: it must target
// us, be within its lifetime, and carry a valid signature from a known
// peer.
func (c *CrossNode) Validate(token string) (*HandoffClaims, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindAuth, "invalid token encoding", err)
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return nil, errdefs.New(errdefs.KindAuth,
			fmt.Sprintf("invalid token format (expected 4 parts, got %d)", len(parts)))
	}
	target, issuer, sigB64 := parts[0], parts[2], parts[3]

	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindAuth, "invalid expiry timestamp", err)
	}

	if target != c.cfg.NodeID {
		return nil, errdefs.New(errdefs.KindAuth,
			fmt.Sprintf("token not for this node (target %s, we are %s)", target, c.cfg.NodeID))
	}
	if expiry < time.Now().Unix() {
		return nil, errdefs.New(errdefs.KindAuth, "token expired")
	}

	c.mu.RLock()
	issuerKey, ok := c.peerKeys[issuer]
	c.mu.RUnlock()
	if !ok {
		return nil, errdefs.New(errdefs.KindAuth, "unknown issuer: "+issuer)
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindAuth, "invalid signature encoding", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, errdefs.New(errdefs.KindAuth, "invalid signature length")
	}

	payload := fmt.Sprintf("%s:%d:%s", target, expiry, issuer)
	if !ed25519.Verify(issuerKey, []byte(payload), sig) {
		return nil, errdefs.New(errdefs.KindAuth, "invalid signature")
	}

	slog.Debug("Validated handoff token", "issuer", issuer, "target", target)
	return &HandoffClaims{Target: target, Expiry: expiry, Issuer: issuer}, nil
}
