package link

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	symmetricKeySize   = chacha20poly1305.KeySize   // 256-bit
	symmetricNonceSize = chacha20poly1305.NonceSize // 96-bit
)

// streamConfig is the own_key||own_nonce material each side generates for
// itself and ships to the other, RSA-wrapped, during the handshake.
type streamConfig struct {
	key   [symmetricKeySize]byte
	nonce [symmetricNonceSize]byte
}

func newStreamConfig() (streamConfig, error) {
	var sc streamConfig
	if _, err := rand.Read(sc.key[:]); err != nil {
		return sc, fmt.Errorf("link: key generation: %w", err)
	}
	if _, err := rand.Read(sc.nonce[:]); err != nil {
		return sc, fmt.Errorf("link: nonce generation: %w", err)
	}
	return sc, nil
}

func (sc streamConfig) bytes() []byte {
	out := make([]byte, symmetricKeySize+symmetricNonceSize)
	copy(out, sc.key[:])
	copy(out[symmetricKeySize:], sc.nonce[:])
	return out
}

func streamConfigFromBytes(b []byte) (streamConfig, error) {
	if len(b) != symmetricKeySize+symmetricNonceSize {
		return streamConfig{}, fmt.Errorf("link: stream config has wrong length %d", len(b))
	}
	var sc streamConfig
	copy(sc.key[:], b[:symmetricKeySize])
	copy(sc.nonce[:], b[symmetricKeySize:])
	return sc, nil
}

// rsaWrap/rsaUnwrap carry the streamConfig across the wire under PKCS#1
// v1.5 padding.
func rsaWrap(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("link: rsa encrypt: %w", err)
	}
	return ct, nil
}

func rsaUnwrap(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("link: rsa decrypt: %w", err)
	}
	return pt, nil
}

// streamCipher wraps one direction's AEAD plus a monotonic message counter.
// Each side only ever encrypts with its own streamConfig and decrypts with
// the counterparty's;
// per-message nonces are derived by XORing the handshake nonce with a
// counter so the same (key, base nonce) pair is never reused verbatim.
type streamCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}
	baseNonce [symmetricNonceSize]byte
	counter   uint64
}

func newStreamCipher(sc streamConfig) (*streamCipher, error) {
	aead, err := chacha20poly1305.New(sc.key[:])
	if err != nil {
		return nil, fmt.Errorf("link: cipher init: %w", err)
	}
	return &streamCipher{aead: aead, baseNonce: sc.nonce}, nil
}

func (c *streamCipher) nonceFor(counter uint64) []byte {
	n := make([]byte, symmetricNonceSize)
	copy(n, c.baseNonce[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		n[symmetricNonceSize-8+i] ^= ctr[i]
	}
	return n
}

func (c *streamCipher) seal(plaintext []byte) []byte {
	counter := c.counter
	c.counter++
	nonce := c.nonceFor(counter)
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], counter)
	return append(hdr[:], c.aead.Seal(nil, nonce, plaintext, nil)...)
}

func (c *streamCipher) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 8 {
		return nil, errors.New("link: ciphertext too short")
	}
	counter := binary.BigEndian.Uint64(ciphertext[:8])
	nonce := c.nonceFor(counter)
	pt, err := c.aead.Open(nil, nonce, ciphertext[8:], nil)
	if err != nil {
		return nil, fmt.Errorf("link: decrypt failed: %w", err)
	}
	return pt, nil
}
