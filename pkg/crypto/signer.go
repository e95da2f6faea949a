package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidHex is returned when a key or signature field is not strict hex.
	ErrInvalidHex = errors.New("invalid hex encoding")
	// ErrInvalidKeyLength is returned when a decoded public key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("invalid public key size")
	// ErrInvalidSignatureLength is returned when a decoded signature is not 64 bytes.
	ErrInvalidSignatureLength = errors.New("invalid signature size")

	// ErrInvalidPublicKey wraps every public key decoding failure.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrInvalidSignature wraps every signature decoding failure.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

// NewEd25519SignerFromSeedHex loads a signer from a hex-encoded 32-byte seed.
func NewEd25519SignerFromSeedHex(seedHex, keyID string) (*Ed25519Signer, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("seed: %w", ErrInvalidHex)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), keyID), nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

// SeedHex returns the hex-encoded private seed, for persisting a generated key.
func (s *Ed25519Signer) SeedHex() string {
	return hex.EncodeToString(s.privKey.Seed())
}

// DecodePublicKey strictly decodes a hex public key. Non-hex characters,
// odd lengths and anything other than 32 decoded bytes are rejected.
func DecodePublicKey(pubKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, ErrInvalidHex)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %w: got %d bytes", ErrInvalidPublicKey, ErrInvalidKeyLength, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodeSignature strictly decodes a hex signature of exactly 64 bytes.
func DecodeSignature(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, ErrInvalidHex)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: %w: got %d bytes", ErrInvalidSignature, ErrInvalidSignatureLength, len(raw))
	}
	return raw, nil
}

// Verify verifies a hex signature over data against a hex public key.
// Decoding failures wrap ErrInvalidPublicKey or ErrInvalidSignature.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := DecodePublicKey(pubKeyHex)
	if err != nil {
		return false, err
	}
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pubKey, data, sig), nil
}
