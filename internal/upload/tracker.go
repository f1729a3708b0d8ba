package upload

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultTTL is how long the file service keeps an uploaded handle.
const DefaultTTL = 12 * time.Hour

// DefaultTrackerSize bounds the number of handles remembered.
const DefaultTrackerSize = 4096

// Tracker remembers upload times and explicit expiry for file handles.
// Handles are keyed by their "files/<id>" name so full URIs and bare
// names refer to the same entry. A nil *Tracker tracks nothing.
type Tracker struct {
	cache *lru.Cache
	ttl   time.Duration

	mu sync.Mutex
}

type trackerEntry struct {
	uploadedAt time.Time
	expired    bool
}

// NewTracker creates a tracker holding up to size handles.
func NewTracker(size int, ttl time.Duration) (*Tracker, error) {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create tracker cache: %w", err)
	}
	return &Tracker{cache: cache, ttl: ttl}, nil
}

// TTL returns the handle lifetime.
func (t *Tracker) TTL() time.Duration {
	if t == nil {
		return DefaultTTL
	}
	return t.ttl
}

// Record notes that handle was issued at uploadedAt.
func (t *Tracker) Record(handle string, uploadedAt time.Time) {
	if t == nil || handle == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(Key(handle), trackerEntry{uploadedAt: uploadedAt})
}

// MarkExpired flags handle as no longer usable.
func (t *Tracker) MarkExpired(handle string) {
	if t == nil || handle == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := Key(handle)
	e := trackerEntry{}
	if v, ok := t.cache.Get(k); ok {
		e = v.(trackerEntry)
	}
	e.expired = true
	t.cache.Add(k, e)
}

// IsExpired reports whether handle must not be sent live. uploadedAt
// (milliseconds, zero if unknown) comes from the attachment itself and
// is used when the tracker has no record.
func (t *Tracker) IsExpired(handle string, uploadedAt int64, now time.Time) bool {
	ttl := t.TTL()
	at := time.Time{}
	if uploadedAt > 0 {
		at = time.UnixMilli(uploadedAt)
	}
	if t != nil {
		t.mu.Lock()
		v, ok := t.cache.Get(Key(handle))
		t.mu.Unlock()
		if ok {
			e := v.(trackerEntry)
			if e.expired {
				return true
			}
			if !e.uploadedAt.IsZero() {
				at = e.uploadedAt
			}
		}
	}
	if at.IsZero() {
		return false
	}
	return now.Sub(at) > ttl
}

// Key normalizes a handle or URI to its "files/<id>" name.
func Key(handle string) string {
	if i := strings.LastIndex(handle, "files/"); i >= 0 {
		return handle[i:]
	}
	return handle
}
