package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the symmetric key length.
	KeySize = chacha20poly1305.KeySize
	// PadSize is the random padding appended to a key before wrapping, so
	// every wrapped blob has the same plaintext length and the ciphertext
	// size leaks nothing about the key.
	PadSize = 16
	// PublicKeySize is the length of a user's asymmetric public key.
	PublicKeySize = 32
	// PrivateKeySize is the length of a user's asymmetric private key.
	PrivateKeySize = 32
)

// Cipher is the primitive layer the key-distribution protocol builds on.
// Implementations must be safe for concurrent use.
type Cipher interface {
	// GenerateKey returns a fresh random symmetric key of KeySize bytes.
	GenerateKey() ([]byte, error)
	// GeneratePad returns PadSize random bytes.
	GeneratePad() ([]byte, error)
	// Encrypt seals plaintext with a symmetric key.
	Encrypt(plaintext, key []byte) ([]byte, error)
	// Decrypt opens ciphertext sealed by Encrypt.
	Decrypt(ciphertext, key []byte) ([]byte, error)
	// Wrap seals plaintext so that only the holder of the matching private
	// key can recover it.
	Wrap(plaintext, publicKey []byte) ([]byte, error)
	// Unwrap recovers plaintext sealed by Wrap.
	Unwrap(wrapped, publicKey, privateKey []byte) ([]byte, error)
}

// NaCl implements Cipher with XChaCha20-Poly1305 for symmetric operations and
// anonymous NaCl boxes for per-user wrapping.
type NaCl struct{}

var _ Cipher = NaCl{}

// GenerateKeyPair returns a fresh asymmetric keypair for a user. The private
// half never leaves the owning client in production; the server only ever
// sees public keys.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return pub[:], priv[:], nil
}

func (NaCl) GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func (NaCl) GeneratePad() ([]byte, error) {
	pad := make([]byte, PadSize)
	if _, err := rand.Read(pad); err != nil {
		return nil, fmt.Errorf("failed to generate pad: %w", err)
	}
	return pad, nil
}

// Encrypt seals plaintext and prepends the random nonce to the ciphertext.
func (NaCl) Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid symmetric key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (NaCl) Decrypt(ciphertext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid symmetric key: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func (NaCl) Wrap(plaintext, publicKey []byte) ([]byte, error) {
	if len(publicKey) != PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(publicKey))
	}
	var pub [PublicKeySize]byte
	copy(pub[:], publicKey)
	wrapped, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	return wrapped, nil
}

func (NaCl) Unwrap(wrapped, publicKey, privateKey []byte) ([]byte, error) {
	if len(publicKey) != PublicKeySize || len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("invalid key length")
	}
	var pub [PublicKeySize]byte
	var priv [PrivateKeySize]byte
	copy(pub[:], publicKey)
	copy(priv[:], privateKey)
	plaintext, ok := box.OpenAnonymous(nil, wrapped, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("failed to unwrap key")
	}
	return plaintext, nil
}
