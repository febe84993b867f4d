package sigverify

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru"
)

const defaultKeyCacheSize = 1024

// Verifier checks DER encoded secp256k1 ECDSA signatures against validator
// identities. An identity is the hex encoding of a 33-byte compressed key.
// Safe for concurrent use.
type Verifier struct {
	keys *lru.Cache
}

// NewVerifier returns a verifier caching up to cacheSize parsed keys.
func NewVerifier(cacheSize int) *Verifier {
	if cacheSize <= 0 {
		cacheSize = defaultKeyCacheSize
	}
	// lru.New only fails on a non-positive size
	cache, _ := lru.New(cacheSize)
	return &Verifier{keys: cache}
}

// Verify reports whether signature is a valid signature by identity over
// digest. Malformed inputs yield false.
func (v *Verifier) Verify(digest chainhash.Hash, signature []byte, identity string) bool {
	if len(signature) == 0 {
		return false
	}
	pub, ok := v.publicKey(identity)
	if !ok {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest[:], pub)
}

func (v *Verifier) publicKey(identity string) (*btcec.PublicKey, bool) {
	identity = NormalizeIdentity(identity)
	if cached, ok := v.keys.Get(identity); ok {
		return cached.(*btcec.PublicKey), true
	}

	pub, err := ParseIdentity(identity)
	if err != nil {
		return nil, false
	}
	v.keys.Add(identity, pub)
	return pub, true
}

// ParseIdentity decodes a hex compressed public key.
func ParseIdentity(identity string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(NormalizeIdentity(identity))
	if err != nil {
		return nil, err
	}
	if len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("identity must be a %d-byte compressed public key, got %d bytes", btcec.PubKeyBytesLenCompressed, len(raw))
	}
	return btcec.ParsePubKey(raw)
}

// NormalizeIdentity lower-cases and trims an identity string.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// Identity returns the identity string for a public key.
func Identity(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// Sign produces a DER signature over digest.
func Sign(key *btcec.PrivateKey, digest chainhash.Hash) []byte {
	return ecdsa.Sign(key, digest[:]).Serialize()
}

// ParsePrivateKey decodes a hex encoded 32-byte secp256k1 scalar.
func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
