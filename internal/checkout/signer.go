package checkout

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

const tagSize = 16

// Signer computes keyed BLAKE2b-256 MACs. The key is derived from an arbitrary-length secret.
type Signer struct {
	key [32]byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: blake2b.Sum256([]byte(secret))}
}

func (s *Signer) mac(domain string, data []byte) []byte {
	h, _ := blake2b.New256(s.key[:]) // a 32-byte key never errors
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write(data)
	return h.Sum(nil)
}

// Token encodes a session id as an opaque URL-safe string.
func (s *Signer) Token(id uuid.UUID) string {
	buf := make([]byte, 0, len(id)+tagSize)
	buf = append(buf, id[:]...)
	buf = append(buf, s.mac("token", id[:])[:tagSize]...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ParseToken returns the session id of a token produced by Token.
func (s *Signer) ParseToken(token string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 16+tagSize {
		return uuid.Nil, ErrBadSignature
	}
	want := s.mac("token", raw[:16])[:tagSize]
	if subtle.ConstantTimeCompare(raw[16:], want) != 1 {
		return uuid.Nil, ErrBadSignature
	}
	return uuid.FromBytes(raw[:16])
}

// Sign returns the hex signature a gateway sends with a request body.
func (s *Signer) Sign(body []byte) string {
	return hex.EncodeToString(s.mac("webhook", body))
}

func (s *Signer) Verify(body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, s.mac("webhook", body)) == 1
}
