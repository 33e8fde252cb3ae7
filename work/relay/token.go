package relay

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer turns upstream addresses into opaque relay tokens. A token is the
// XChaCha20-Poly1305 sealing of the upstream URL and the Referer it must be
// fetched with, bound to one channel id, so clients can neither read the
// upstream address nor mint tokens for other hosts or channels.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32 byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid token key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromHex decodes a hex key. An empty key generates a random one,
// which invalidates outstanding relay URLs on restart.
func NewSealerFromHex(hexKey string) (*Sealer, error) {
	var key []byte
	if hexKey == "" {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token key: %w", err)
		}
	} else {
		var err error
		key, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("token key is not hex: %w", err)
		}
	}
	return NewSealer(key)
}

// target is what a token carries.
type target struct {
	URL     string
	Referer string
}

// Seal produces a URL-safe token for t bound to channelID.
func (s *Sealer) Seal(channelID string, t target) string {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(t.URL)+len(t.Referer)+1+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	plaintext := t.Referer + "\n" + t.URL
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(channelID))
	return base64.RawURLEncoding.EncodeToString(sealed)
}

// Open recovers the target of a token; any tampering, truncation or use
// under another channel id yields ErrInvalidToken.
func (s *Sealer) Open(channelID, token string) (target, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return target{}, ErrInvalidToken
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(channelID))
	if err != nil {
		return target{}, ErrInvalidToken
	}

	referer, rawURL, ok := strings.Cut(string(plaintext), "\n")
	if !ok || rawURL == "" {
		return target{}, ErrInvalidToken
	}
	return target{URL: rawURL, Referer: referer}, nil
}
