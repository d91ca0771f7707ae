// Package readline tracks per-user read positions and serves unread counts
// without hitting the database for the common all-read case.
package readline

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sealgram/sealgram/internal/models"
)

// Store persists read positions. A nil readline resets the position to the
// unset state, meaning "unread, count unknown".
type Store interface {
	SetReadline(convID string, userID int64, readline *int64) error
}

// Counter answers how many messages arrived after a timestamp.
type Counter interface {
	CountMessagesAfter(convID string, after int64) (int, error)
}

type cacheKey struct {
	userID   int64
	convID   string
	readline int64
}

// Tracker caches completed unread counts and deduplicates concurrent count
// queries for the same (user, conversation, readline) triple, so a burst of
// clients reconnecting cannot stampede the database.
type Tracker struct {
	store  Store
	counts Counter
	group  singleflight.Group

	mu    sync.Mutex
	cache map[cacheKey]int
}

func New(store Store, counts Counter) *Tracker {
	return &Tracker{
		store:  store,
		counts: counts,
		cache:  make(map[cacheKey]int),
	}
}

// SaveReadline advances the user's read position. Only the owning user's
// cached counts become stale, so only theirs are dropped.
func (t *Tracker) SaveReadline(convID string, userID int64, readline int64) error {
	if err := t.store.SetReadline(convID, userID, &readline); err != nil {
		return err
	}
	t.invalidateUser(convID, userID)
	return nil
}

// ClearReadline resets the user's position to unset. The conversation reports
// as unread with an unknown count until the next SaveReadline.
func (t *Tracker) ClearReadline(convID string, userID int64) error {
	if err := t.store.SetReadline(convID, userID, nil); err != nil {
		return err
	}
	t.invalidateUser(convID, userID)
	return nil
}

// InvalidateConversation drops every cached count for a conversation. Called
// when its lastMessage reference changes, which stales all viewers at once.
func (t *Tracker) InvalidateConversation(convID string) {
	t.mu.Lock()
	for k := range t.cache {
		if k.convID == convID {
			delete(t.cache, k)
		}
	}
	t.mu.Unlock()
}

func (t *Tracker) invalidateUser(convID string, userID int64) {
	t.mu.Lock()
	for k := range t.cache {
		if k.convID == convID && k.userID == userID {
			delete(t.cache, k)
		}
	}
	t.mu.Unlock()
}

// UnreadCount reports how many messages the user has not read. The boolean is
// false when the readline is unset: the conversation is unread but the count
// is unknown, and no query is issued. When the last message predates the
// readline the count is zero with no query either.
func (t *Tracker) UnreadCount(conv *models.Conversation, userID int64) (int, bool, error) {
	if conv.Readline == nil {
		return 0, false, nil
	}
	readline := *conv.Readline

	if conv.LastMessage == nil || conv.LastMessage.CreatedAt <= readline {
		return 0, true, nil
	}

	k := cacheKey{userID: userID, convID: conv.ID, readline: readline}

	t.mu.Lock()
	if n, ok := t.cache[k]; ok {
		t.mu.Unlock()
		return n, true, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do(fmt.Sprintf("%d/%s/%d", userID, conv.ID, readline), func() (interface{}, error) {
		n, err := t.counts.CountMessagesAfter(conv.ID, readline)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.cache[k] = n
		t.mu.Unlock()
		return n, nil
	})
	if err != nil {
		return 0, false, err
	}
	return v.(int), true, nil
}
