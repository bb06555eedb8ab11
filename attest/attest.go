// Package attest verifies device attestation tokens presented on streaming
// requests.
//
// A token is "<payload>.<signature>", both base64url without padding. The
// payload is JSON claims; the signature is the 64-byte r||s secp256k1 ECDSA
// signature over SHA-256(payload).
package attest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

var (
	ErrMalformed       = errors.New("attest: malformed token")
	ErrBadSignature    = errors.New("attest: invalid signature")
	ErrExpired         = errors.New("attest: token expired")
	ErrSubjectMismatch = errors.New("attest: token subject mismatch")
	errSignatureLength = errors.New("attest: signature must be 64 bytes")
)

// Claims is the signed content of a token.
type Claims struct {
	Subject  string `json:"sub"`
	AppID    string `json:"app,omitempty"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
}

// Verifier checks tokens against one issuer public key.
type Verifier struct {
	pubKey *secp256k1.PublicKey
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier parses a hex-encoded compressed or uncompressed public key.
func NewVerifier(hexPubKey string, opts ...VerifierOption) (*Verifier, error) {
	raw, err := hex.DecodeString(trimHexPrefix(hexPubKey))
	if err != nil {
		return nil, fmt.Errorf("attest: invalid public key hex: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("attest: parse public key: %w", err)
	}
	v := &Verifier{pubKey: pub, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the signature and expiry of token and that it was issued for
// userID.
func (v *Verifier) Verify(token, userID string) (Claims, error) {
	payload, sigPart, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sigPart == "" {
		return Claims{}, ErrMalformed
	}

	rawSig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	sig, err := parseSignature(rawSig)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	digest := sha256.Sum256([]byte(payload))
	if !sig.Verify(digest[:], v.pubKey) {
		return Claims{}, ErrBadSignature
	}

	rawClaims, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var c Claims
	if err := json.Unmarshal(rawClaims, &c); err != nil {
		return Claims{}, ErrMalformed
	}
	if c.Expiry <= v.now().Unix() {
		return Claims{}, ErrExpired
	}
	if c.Subject != userID {
		return Claims{}, ErrSubjectMismatch
	}
	return c, nil
}

func parseSignature(raw []byte) (*ecdsa.Signature, error) {
	if len(raw) != 64 {
		return nil, errSignatureLength
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow || r.IsZero() {
		return nil, errors.New("invalid r")
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow || s.IsZero() {
		return nil, errors.New("invalid s")
	}
	return ecdsa.NewSignature(&r, &s), nil
}

// Signer issues tokens. Used by the token command and tests; production
// tokens come from the device attestation service.
type Signer struct {
	privKey *secp256k1.PrivateKey
}

// NewSigner parses a hex-encoded 32-byte private key.
func NewSigner(hexKey string) (*Signer, error) {
	keyBytes, err := hex.DecodeString(trimHexPrefix(hexKey))
	if err != nil {
		return nil, fmt.Errorf("attest: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("attest: private key must be 32 bytes, got %d", len(keyBytes))
	}
	privKey := secp256k1.PrivKeyFromBytes(keyBytes)
	if privKey.Key.IsZero() {
		return nil, fmt.Errorf("attest: private key is zero")
	}
	return &Signer{privKey: privKey}, nil
}

// PublicKeyHex returns the compressed public key, suitable for NewVerifier.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.privKey.PubKey().SerializeCompressed())
}

// Sign encodes and signs c.
func (s *Signer) Sign(c Claims) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("attest: encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	digest := sha256.Sum256([]byte(payload))

	// RFC6979 deterministic, low-S. Drop the recovery byte.
	compact := ecdsa.SignCompact(s.privKey, digest[:], true)
	sig := base64.RawURLEncoding.EncodeToString(compact[1:65])

	return payload + "." + sig, nil
}

func trimHexPrefix(s string) string {
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimPrefix(s, "0X")
}
