package keyring

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sealgram/sealgram/internal/crypto"
	"github.com/sealgram/sealgram/internal/models"
)

// PlaceholderName is returned when a viewer cannot decrypt a conversation
// name. Reads degrade instead of failing.
const PlaceholderName = "Encrypted conversation"

// ErrKeyResolution is returned when the acting user has no wrapped key for a
// conversation that requires one. Fatal for writes that need to encrypt,
// non-fatal for reads.
var ErrKeyResolution = errors.New("no conversation key available")

// Actor identifies the user a key-resolution or save call runs as, together
// with their asymmetric keypair. It is threaded explicitly through every
// call; there is no process-wide current user.
type Actor struct {
	UserID     int64
	PublicKey  []byte
	PrivateKey []byte
}

// PublicKeyDirectory resolves a user's public key by id.
type PublicKeyDirectory interface {
	PublicKey(userID int64) (string, error)
}

// KeyStore persists wrapped-key entries. PutConversationKey must never
// overwrite an existing entry.
type KeyStore interface {
	PutConversationKey(convID string, userID int64, wrapped string) error
	DeleteConversationKeys(convID string) error
}

// Manager owns per-conversation key material and display-name encryption.
type Manager struct {
	cipher crypto.Cipher
	dir    PublicKeyDirectory
	keys   KeyStore
}

func New(cipher crypto.Cipher, dir PublicKeyDirectory, keys KeyStore) *Manager {
	return &Manager{cipher: cipher, dir: dir, keys: keys}
}

// ResolveOwnKey unwraps the actor's conversation-key entry and returns the
// key with the trailing pad discarded. Returns (nil, nil) when the actor has
// no entry.
func (m *Manager) ResolveOwnKey(conv *models.Conversation, actor *Actor) ([]byte, error) {
	wrapped, ok := conv.Keys[actor.UserID]
	if !ok {
		return nil, nil
	}

	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("malformed wrapped key: %w", err)
	}

	plaintext, err := m.cipher.Unwrap(blob, actor.PublicKey, actor.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap conversation key: %w", err)
	}
	if len(plaintext) < crypto.KeySize {
		return nil, fmt.Errorf("unwrapped key too short")
	}

	// The trailing pad only normalizes the wrapped plaintext length.
	return plaintext[:crypto.KeySize], nil
}

// EnsureParticipantKeys makes sure every participant holds a wrapped entry
// for the shared conversation key, generating the key if the actor has no
// existing entry to resolve it from. Existing entries are never rewritten,
// which means a member added to a private channel can read all prior
// messages, and a removed member's entry is not revoked: there is no key
// rotation on removal.
//
// Concurrent saves racing here are not coordinated; last write wins at the
// storage layer.
func (m *Manager) EnsureParticipantKeys(conv *models.Conversation, actor *Actor) error {
	if !conv.Mode.Encrypted() {
		// A conversation saved in public mode carries no key material.
		return m.StripKeys(conv)
	}

	key, err := m.ResolveOwnKey(conv, actor)
	if err != nil {
		return err
	}
	if key == nil {
		if len(conv.Keys) > 0 {
			// Someone else holds entries but the actor does not: the actor
			// cannot recover the shared key, so they cannot grant it.
			return ErrKeyResolution
		}
		key, err = m.cipher.GenerateKey()
		if err != nil {
			return err
		}
	}

	if conv.Keys == nil {
		conv.Keys = make(map[int64]string)
	}

	for _, userID := range conv.Participants {
		if _, ok := conv.Keys[userID]; ok {
			continue
		}
		wrapped, err := m.WrapKeyFor(key, userID)
		if err != nil {
			return err
		}
		conv.Keys[userID] = wrapped
		if err := m.keys.PutConversationKey(conv.ID, userID, wrapped); err != nil {
			return err
		}
	}

	return nil
}

// WrapKeyFor wraps key plus a fresh random pad under the user's public key.
func (m *Manager) WrapKeyFor(key []byte, userID int64) (string, error) {
	pad, err := m.cipher.GeneratePad()
	if err != nil {
		return "", err
	}

	encodedPub, err := m.dir.PublicKey(userID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve public key for user %d: %w", userID, err)
	}
	pub, err := base64.StdEncoding.DecodeString(encodedPub)
	if err != nil {
		return "", fmt.Errorf("malformed public key for user %d: %w", userID, err)
	}

	wrapped, err := m.cipher.Wrap(append(append([]byte{}, key...), pad...), pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// StripKeys removes all key material from a public-channel conversation. It
// runs on every save of an unencrypted mode via EnsureParticipantKeys.
func (m *Manager) StripKeys(conv *models.Conversation) error {
	conv.Keys = nil
	return m.keys.DeleteConversationKeys(conv.ID)
}

// EncryptName encrypts the display name with the conversation key and stores
// the ciphertext on the conversation. Public channels keep the name in
// cleartext. Must run after EnsureParticipantKeys on encrypted modes.
func (m *Manager) EncryptName(conv *models.Conversation, actor *Actor, name string) error {
	if name == "" {
		conv.Name = nil
		return nil
	}
	if !conv.Mode.Encrypted() {
		conv.Name = &name
		return nil
	}

	key, err := m.ResolveOwnKey(conv, actor)
	if err != nil {
		return err
	}
	if key == nil {
		return ErrKeyResolution
	}

	ciphertext, err := m.cipher.Encrypt([]byte(name), key)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	conv.Name = &encoded
	return nil
}

// DecryptName returns the cleartext display name for the actor, or
// PlaceholderName when the name cannot be decrypted. An unnamed conversation
// returns "".
func (m *Manager) DecryptName(conv *models.Conversation, actor *Actor) string {
	if conv.Name == nil {
		return ""
	}
	if !conv.Mode.Encrypted() {
		return *conv.Name
	}

	key, err := m.ResolveOwnKey(conv, actor)
	if err != nil || key == nil {
		return PlaceholderName
	}

	ciphertext, err := base64.StdEncoding.DecodeString(*conv.Name)
	if err != nil {
		return PlaceholderName
	}
	name, err := m.cipher.Decrypt(ciphertext, key)
	if err != nil {
		return PlaceholderName
	}
	return string(name)
}
