package keyring

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/sealgram/sealgram/internal/crypto"
	"github.com/sealgram/sealgram/internal/models"
)

type fakeDirectory struct {
	keys map[int64]string
}

func (d *fakeDirectory) PublicKey(userID int64) (string, error) {
	return d.keys[userID], nil
}

type fakeKeyStore struct {
	put     map[string]string
	deleted []string
}

func (s *fakeKeyStore) PutConversationKey(convID string, userID int64, wrapped string) error {
	if s.put == nil {
		s.put = make(map[string]string)
	}
	key := fmt.Sprintf("%s/%d", convID, userID)
	if _, ok := s.put[key]; !ok {
		s.put[key] = wrapped
	}
	return nil
}

func (s *fakeKeyStore) DeleteConversationKeys(convID string) error {
	s.deleted = append(s.deleted, convID)
	return nil
}

type testUser struct {
	actor *Actor
}

func newTestUser(t *testing.T, id int64, dir *fakeDirectory) *testUser {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	dir.keys[id] = base64.StdEncoding.EncodeToString(pub)
	return &testUser{actor: &Actor{UserID: id, PublicKey: pub, PrivateKey: priv}}
}

func setup(t *testing.T) (*Manager, *fakeDirectory, *fakeKeyStore) {
	t.Helper()
	dir := &fakeDirectory{keys: make(map[int64]string)}
	keys := &fakeKeyStore{}
	return New(crypto.NaCl{}, dir, keys), dir, keys
}

func TestEnsureParticipantKeysWrapsForEveryone(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)
	bob := newTestUser(t, 2, dir)

	conv := &models.Conversation{
		ID:           "c1",
		Mode:         models.ModeChat,
		Participants: []int64{1, 2},
	}

	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}
	if len(conv.Keys) != 2 {
		t.Fatalf("expected 2 wrapped entries, got %d", len(conv.Keys))
	}

	aliceKey, err := mgr.ResolveOwnKey(conv, alice.actor)
	if err != nil || aliceKey == nil {
		t.Fatalf("alice cannot resolve key: %v", err)
	}
	bobKey, err := mgr.ResolveOwnKey(conv, bob.actor)
	if err != nil || bobKey == nil {
		t.Fatalf("bob cannot resolve key: %v", err)
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatal("participants resolved different shared keys")
	}
	if len(aliceKey) != crypto.KeySize {
		t.Fatalf("expected %d byte key, got %d", crypto.KeySize, len(aliceKey))
	}
}

func TestEnsureParticipantKeysNeverRewrites(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)
	newTestUser(t, 2, dir)

	conv := &models.Conversation{ID: "c1", Mode: models.ModeChat, Participants: []int64{1, 2}}
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}

	before := map[int64]string{1: conv.Keys[1], 2: conv.Keys[2]}

	// Add a participant and resave.
	carol := newTestUser(t, 3, dir)
	conv.Participants = append(conv.Participants, 3)
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("second EnsureParticipantKeys: %v", err)
	}

	if conv.Keys[1] != before[1] || conv.Keys[2] != before[2] {
		t.Fatal("existing wrapped entries were rewritten")
	}
	if _, ok := conv.Keys[3]; !ok {
		t.Fatal("new participant did not receive a wrapped entry")
	}

	// The late joiner resolves the same shared key: no rotation on add.
	aliceKey, _ := mgr.ResolveOwnKey(conv, alice.actor)
	carolKey, err := mgr.ResolveOwnKey(conv, carol.actor)
	if err != nil {
		t.Fatalf("carol cannot resolve key: %v", err)
	}
	if !bytes.Equal(aliceKey, carolKey) {
		t.Fatal("late joiner resolved a different key")
	}
}

func TestRemovalDoesNotRevoke(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)
	bob := newTestUser(t, 2, dir)

	conv := &models.Conversation{ID: "c1", Mode: models.ModeChannelPrivate, Participants: []int64{1, 2}}
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}

	// Remove bob from the participant set and resave.
	conv.Participants = []int64{1}
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys after removal: %v", err)
	}

	// Bob's entry is still there and still works.
	if _, ok := conv.Keys[2]; !ok {
		t.Fatal("removed participant's entry was revoked")
	}
	if key, err := mgr.ResolveOwnKey(conv, bob.actor); err != nil || key == nil {
		t.Fatalf("removed participant can no longer resolve key: %v", err)
	}
}

func TestResolveOwnKeyAbsent(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)

	conv := &models.Conversation{ID: "c1", Mode: models.ModeChat, Participants: []int64{1}}
	key, err := mgr.ResolveOwnKey(conv, alice.actor)
	if err != nil {
		t.Fatalf("ResolveOwnKey: %v", err)
	}
	if key != nil {
		t.Fatal("expected no key for a conversation without entries")
	}
}

func TestEnsureFailsWithoutOwnEntry(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)
	newTestUser(t, 2, dir)

	conv := &models.Conversation{ID: "c1", Mode: models.ModeChannelPrivate, Participants: []int64{1, 2}}
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}

	// A third user with no entry cannot grant keys.
	carol := newTestUser(t, 3, dir)
	conv.Participants = append(conv.Participants, 3)
	if err := mgr.EnsureParticipantKeys(conv, carol.actor); err != ErrKeyResolution {
		t.Fatalf("expected ErrKeyResolution, got %v", err)
	}
}

func TestNameRoundTrip(t *testing.T) {
	mgr, dir, _ := setup(t)
	alice := newTestUser(t, 1, dir)
	bob := newTestUser(t, 2, dir)

	conv := &models.Conversation{ID: "c1", Mode: models.ModeChannelPrivate, Participants: []int64{1, 2}}
	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}

	if err := mgr.EncryptName(conv, alice.actor, "Weekend Plans"); err != nil {
		t.Fatalf("EncryptName: %v", err)
	}
	if conv.Name == nil || *conv.Name == "Weekend Plans" {
		t.Fatal("name stored in cleartext for an encrypted mode")
	}

	if got := mgr.DecryptName(conv, bob.actor); got != "Weekend Plans" {
		t.Fatalf("bob decrypted %q", got)
	}

	// A non-member gets the placeholder, not an error.
	mallory := newTestUser(t, 9, dir)
	if got := mgr.DecryptName(conv, mallory.actor); got != PlaceholderName {
		t.Fatalf("expected placeholder for non-member, got %q", got)
	}
}

func TestPublicChannelNameStaysCleartext(t *testing.T) {
	mgr, dir, keys := setup(t)
	alice := newTestUser(t, 1, dir)

	// Stale key material, as after a mode change to public.
	conv := &models.Conversation{
		ID:           "c1",
		Mode:         models.ModeChannelPublic,
		Participants: []int64{1},
		Keys:         map[int64]string{1: "stale"},
	}

	if err := mgr.EnsureParticipantKeys(conv, alice.actor); err != nil {
		t.Fatalf("EnsureParticipantKeys: %v", err)
	}
	if len(conv.Keys) != 0 {
		t.Fatal("public channel must not hold keys")
	}
	// Saving strips stored entries, not just the in-memory map.
	if len(keys.deleted) != 1 || keys.deleted[0] != "c1" {
		t.Fatalf("stored key entries not deleted: %v", keys.deleted)
	}

	if err := mgr.EncryptName(conv, alice.actor, "Announcements"); err != nil {
		t.Fatalf("EncryptName: %v", err)
	}
	if conv.Name == nil || *conv.Name != "Announcements" {
		t.Fatal("public channel name must stay cleartext")
	}
	if got := mgr.DecryptName(conv, alice.actor); got != "Announcements" {
		t.Fatalf("DecryptName returned %q", got)
	}
}
