// Package cipher provides the single symmetric AEAD wrapper used by every
// higher layer of this module (oram, naiveoram, ofs) to seal blocks before
// they leave process memory.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Box seals and opens fixed-key AEAD ciphertexts. One Box is built per
// logical store; the key never changes for the life of the Box.
type Box struct {
	aead stdcipher.AEAD
}

// New derives an AES-256-GCM key from password via PBKDF2 and returns a Box
// that uses it. domain is mixed into the PBKDF2 salt so that two Boxes
// derived from the same password for different purposes (e.g. "buckets" vs.
// "remote-stash") never share key material.
//
// The salt is fixed per domain on purpose: its job is domain separation,
// not frustrating a password cracker.
func New(password, domain string) (*Box, error) {
	salt := sha1.Sum([]byte("obliviousfs/cipher/" + domain))
	key := pbkdf2.Key([]byte(password), salt[:], 4096, 32, sha1.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := stdcipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: aead}, nil
}

// Overhead returns the number of bytes added to a plaintext of any length by
// Seal (nonce + AEAD authentication tag).
func (b *Box) Overhead() int {
	return b.aead.NonceSize() + b.aead.Overhead()
}

// SealedLen returns the ciphertext length produced by Seal for a plaintext
// of the given length. Callers use this to size fixed-length bucket and
// superblock storage without having to seal a dummy value first.
func (b *Box) SealedLen(plaintextLen int) int {
	return plaintextLen + b.Overhead()
}

// Seal encrypts plaintext, binding aad (typically the block's opaque key or
// node index) so that ciphertext cannot be replayed under a different
// identity. The nonce is prepended to the returned ciphertext.
func (b *Box) Seal(aad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. aad must match the value passed to Seal.
func (b *Box) Open(aad, ciphertext []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, fmt.Errorf("cipher: ciphertext is too short")
	}
	nonce, ct := ciphertext[:ns], ciphertext[ns:]
	return b.aead.Open(nil, nonce, ct, aad)
}
